package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var fakeDrivers atomic.Int64

// bucketDB is a database/sql driver that understands only the statements the
// snapshot store issues against the state table.
type bucketDB struct {
	mu         sync.Mutex
	payloads   map[string][]byte
	staged     map[string][]byte
	upserts    []string
	ddl        int
	failPing   bool
	failCommit bool
	failBucket string
}

func openBucketDB() (*sql.DB, *bucketDB) {
	fake := &bucketDB{payloads: make(map[string][]byte)}
	name := fmt.Sprintf("bucketdb-%d", fakeDrivers.Add(1))
	sql.Register(name, bucketDriver{fake})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	return db, fake
}

func (b *bucketDB) buckets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.payloads))
	for name := range b.payloads {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *bucketDB) upserted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.upserts...)
}

type bucketDriver struct{ db *bucketDB }

func (d bucketDriver) Open(string) (driver.Conn, error) { return &bucketConn{db: d.db}, nil }

type bucketConn struct{ db *bucketDB }

func (c *bucketConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements are not supported")
}

func (c *bucketConn) Close() error { return nil }

func (c *bucketConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *bucketConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.staged = make(map[string][]byte)
	return bucketTx{db: c.db}, nil
}

func (c *bucketConn) Ping(context.Context) error {
	if c.db.failPing {
		return errors.New("connection refused")
	}
	return nil
}

func (c *bucketConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	q := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS STATE"):
		c.db.ddl++
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(q, "INSERT INTO STATE(BUCKET,PAYLOAD)") && strings.Contains(q, "ON CONFLICT(BUCKET)"):
		if len(args) != 2 {
			return nil, fmt.Errorf("upsert wants 2 args, got %d", len(args))
		}
		bucket, _ := args[0].Value.(string)
		payload, _ := args[1].Value.([]byte)
		if bucket == c.db.failBucket {
			return nil, fmt.Errorf("write %s: disk full", bucket)
		}
		c.db.upserts = append(c.db.upserts, bucket)
		if c.db.staged == nil {
			c.db.payloads[bucket] = payload
		} else {
			c.db.staged[bucket] = payload
		}
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("unexpected statement %q", query)
}

func (c *bucketConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if !strings.EqualFold(strings.TrimSpace(query), "SELECT bucket, payload FROM state") {
		return nil, fmt.Errorf("unexpected query %q", query)
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	rows := &bucketRows{}
	for name, payload := range c.db.payloads {
		rows.rows = append(rows.rows, []driver.Value{name, payload})
	}
	return rows, nil
}

type bucketTx struct{ db *bucketDB }

func (t bucketTx) Commit() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	staged := t.db.staged
	t.db.staged = nil
	if t.db.failCommit {
		return errors.New("serialization failure")
	}
	for name, payload := range staged {
		t.db.payloads[name] = payload
	}
	return nil
}

func (t bucketTx) Rollback() error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	t.db.staged = nil
	return nil
}

type bucketRows struct {
	rows [][]driver.Value
	idx  int
}

func (r *bucketRows) Columns() []string { return []string{"bucket", "payload"} }
func (r *bucketRows) Close() error      { return nil }

func (r *bucketRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
