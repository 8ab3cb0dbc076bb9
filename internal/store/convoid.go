package store

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sort"
)

// DirectConvoID is the single canonical formula for a direct conversation id.
// Both orderings of the pair produce the same id, so two clients opening the
// same thread always converge on one conversation row.
func DirectConvoID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + "|" + pair[1]))
	return "dm:" + hex.EncodeToString(sum[:16])
}

// ConvoLockKey maps a conversation id onto the int64 keyspace used for
// Postgres advisory locks during seq assignment.
func ConvoLockKey(convoID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(convoID))
	return int64(h.Sum64())
}
