package domain

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

func digest(parts ...string) string {
	h := blake3.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BlockHash is the content digest of a rule block: identical type and
// content always yield the same hash.
func BlockHash(t RuleBlockType, content string) string {
	return digest(string(t), content)
}

// RuleHash digests the sorted member block hashes, so two rules with the
// same blocks share a hash regardless of block order.
func RuleHash(blocks []RuleBlock) string {
	return hashOf(blocks, func(RuleBlock) bool { return true })
}

// PublicHash is RuleHash restricted to non-private block types.
func PublicHash(blocks []RuleBlock) string {
	return hashOf(blocks, func(b RuleBlock) bool { return !b.Type.IsPrivate() })
}

func hashOf(blocks []RuleBlock, keep func(RuleBlock) bool) string {
	hashes := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if keep(b) {
			hashes = append(hashes, b.Hash)
		}
	}
	sort.Strings(hashes)
	return digest(strings.Join(hashes, ","))
}
