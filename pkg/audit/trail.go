// Package audit keeps a tamper-evident journal of ledger mutations. Entries
// form a hash chain: each one commits to its predecessor, so any later edit
// of a recorded mutation breaks verification.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Actions recorded by the ledger hooks.
const (
	ActionTransactionCreated = "transaction.created"
	ActionTransactionDeleted = "transaction.deleted"
)

// Entry is one journaled mutation. Hash covers the previous hash, sequence,
// timestamp, action and payload.
type Entry struct {
	Seq          int    `json:"seq"`
	Timestamp    string `json:"timestamp"`
	Action       string `json:"action"`
	Payload      string `json:"payload"`
	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// Trail is an append-only, hash-chained journal. Safe for concurrent use.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	prev    string
	now     func() time.Time
}

// NewTrail returns an empty trail anchored at the zero hash.
func NewTrail() *Trail {
	return &Trail{prev: strings.Repeat("0", 64), now: time.Now}
}

// Record appends a mutation to the trail and returns the sealed entry.
func (t *Trail) Record(action, payload string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		Seq:          len(t.entries) + 1,
		Timestamp:    t.now().UTC().Format(time.RFC3339Nano),
		Action:       action,
		Payload:      payload,
		PreviousHash: t.prev,
	}
	e.Hash = sealEntry(e)

	t.prev = e.Hash
	t.entries = append(t.entries, e)
	return e
}

// Entries returns a snapshot of the journal in append order.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func sealEntry(e Entry) string {
	input := fmt.Sprintf("%s|%d|%s|%s|%s", e.PreviousHash, e.Seq, e.Timestamp, e.Action, e.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Verify checks that entries form an unbroken, unmodified hash chain.
func Verify(entries []Entry) bool {
	for i, e := range entries {
		if i > 0 && e.PreviousHash != entries[i-1].Hash {
			return false
		}
		if sealEntry(e) != e.Hash {
			return false
		}
	}
	return true
}
