package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// WriteOp enumerates buffered write kinds.
type WriteOp int

const (
	OpCreate WriteOp = iota + 1
	OpSet
	OpUpdate
	OpDelete
)

// Write is a buffered mutation awaiting commit.
type Write struct {
	Op   WriteOp
	Key  Key
	Data json.RawMessage
}

// Fetcher loads raw documents for a transaction attempt. Missing documents are
// reported with a zero Snapshot and a nil error.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (Snapshot, error)
	FetchCollection(ctx context.Context, collection string) ([]Snapshot, error)
}

// Txn records the read set and buffers writes for one attempt. Store
// implementations create one per attempt and validate Reads at commit.
type Txn struct {
	fetch  Fetcher
	reads  map[Key]int64
	writes []Write
}

// NewTxn builds a transaction view over the fetcher.
func NewTxn(fetch Fetcher) *Txn {
	return &Txn{fetch: fetch, reads: make(map[Key]int64)}
}

// Get returns the document, recording its version (zero when missing).
func (t *Txn) Get(ctx context.Context, key Key) (Snapshot, error) {
	if len(t.writes) > 0 {
		return Snapshot{}, ErrReadAfterWrite
	}
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}
	snap, err := t.fetch.Fetch(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	t.record(key, snap.Version)
	if !snap.Exists() {
		return Snapshot{Key: key}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return snap, nil
}

// List returns every document of the collection ordered by creation,
// recording each document's version.
func (t *Txn) List(ctx context.Context, collection string) ([]Snapshot, error) {
	if len(t.writes) > 0 {
		return nil, ErrReadAfterWrite
	}
	snaps, err := t.fetch.FetchCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		t.record(s.Key, s.Version)
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Before(snaps[j]) })
	return snaps, nil
}

func (t *Txn) record(key Key, version int64) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = version
	}
}

// Create buffers creation of a document that must not exist yet.
func (t *Txn) Create(key Key, data any) error { return t.buffer(OpCreate, key, data) }

// Set buffers an upsert.
func (t *Txn) Set(key Key, data any) error { return t.buffer(OpSet, key, data) }

// Update buffers a replacement of a document that must exist.
func (t *Txn) Update(key Key, data any) error { return t.buffer(OpUpdate, key, data) }

// Delete buffers removal of a document. Deleting a missing document is a no-op.
func (t *Txn) Delete(key Key) error { return t.buffer(OpDelete, key, nil) }

func (t *Txn) buffer(op WriteOp, key Key, data any) error {
	if err := key.Validate(); err != nil {
		return err
	}
	w := Write{Op: op, Key: key}
	if op != OpDelete {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("docstore: encode %s: %w", key, err)
		}
		w.Data = raw
	}
	t.writes = append(t.writes, w)
	return nil
}

// Reads returns the recorded read set keyed by document.
func (t *Txn) Reads() map[Key]int64 { return t.reads }

// Writes returns the buffered writes in issue order.
func (t *Txn) Writes() []Write { return t.writes }

// Collections lists the distinct collections touched by the buffered writes.
func (t *Txn) Collections() []string {
	seen := make(map[string]struct{}, len(t.writes))
	out := make([]string, 0, len(t.writes))
	for _, w := range t.writes {
		c := w.Key.Collection()
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// IsNotFound reports whether err signals a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
