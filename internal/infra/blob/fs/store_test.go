package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"permitcore/internal/blob/core"
)

func TestStorePutGetListDelete(t *testing.T) {
	root := t.TempDir()
	store, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	info, err := store.Put(ctx, "dead-letters/decision/1.json", bytes.NewReader([]byte(`{"id":"1"}`)), core.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 10 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := os.Stat(filepath.Join(root, "dead-letters", "decision", "1.json")); err != nil {
		t.Fatalf("expected data file: %v", err)
	}
	if _, err := store.Put(ctx, "dead-letters/decision/1.json", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, "audit/x.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put audit: %v", err)
	}

	head, err := store.Head(ctx, "dead-letters/decision/1.json")
	if err != nil || head.ContentType != "application/json" {
		t.Fatalf("head: %+v %v", head, err)
	}
	_, rc, err := store.Get(ctx, "dead-letters/decision/1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"id":"1"}` {
		t.Fatalf("unexpected body %q", body)
	}

	list, err := store.List(ctx, "dead-letters/")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
	all, err := store.List(ctx, "")
	if err != nil || len(all) != 2 || all[0].Key != "audit/x.json" {
		t.Fatalf("list all: %+v %v", all, err)
	}

	if ok, err := store.Delete(ctx, "audit/x.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "audit/x.json"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, err := store.Head(ctx, "audit/x.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := store.Get(ctx, "audit/x.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found get, got %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]bool{
		"":               false,
		"../escape":      false,
		"/abs":           false,
		"a/b.json.meta":  false,
		"a/b.json":       true,
		"notifications/": true,
	}
	for key, ok := range cases {
		_, err := sanitizeKey(key)
		if (err == nil) != ok {
			t.Errorf("sanitizeKey(%q) err=%v, want ok=%v", key, err, ok)
		}
	}
}

func TestNewDefaultsRoot(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	store, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Root() != "./blobdata" || store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected defaults %q %s", store.Root(), store.Driver())
	}
}
