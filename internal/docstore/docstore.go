// Package docstore defines the document database contract used by the domain
// services: hierarchical documents addressed by slash paths, atomic
// read-modify-write transactions guarded by per-document version stamps, and
// live queries over collections.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAlreadyExists indicates Create hit an existing document.
	ErrAlreadyExists = errors.New("docstore: document already exists")
	// ErrConflict indicates a document read by the transaction changed before commit.
	ErrConflict = errors.New("docstore: transaction conflict")
	// ErrRetryExhausted indicates every attempt of RunAtomic ended in a conflict.
	ErrRetryExhausted = errors.New("docstore: transaction retries exhausted")
	// ErrReadAfterWrite indicates a read was issued after the transaction buffered a write.
	ErrReadAfterWrite = errors.New("docstore: reads must precede writes")
	// ErrInvalidKey indicates a malformed document path.
	ErrInvalidKey = errors.New("docstore: invalid key")
)

// Key addresses a document, e.g. accounts/abc or accounts/abc/transactions/xyz.
type Key string

// Doc joins path segments into a document key.
func Doc(segments ...string) Key {
	return Key(strings.Join(segments, "/"))
}

// Collection joins path segments into a collection path.
func Collection(segments ...string) string {
	return strings.Join(segments, "/")
}

// Validate reports whether the key has an even number of non-empty segments.
func (k Key) Validate() error {
	parts := strings.Split(string(k), "/")
	if len(parts) < 2 || len(parts)%2 != 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, string(k))
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q", ErrInvalidKey, string(k))
		}
	}
	return nil
}

// Collection returns the collection path holding the document.
func (k Key) Collection() string {
	s := string(k)
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return ""
	}
	return s[:idx]
}

// ID returns the last path segment.
func (k Key) ID() string {
	s := string(k)
	return s[strings.LastIndex(s, "/")+1:]
}

func (k Key) String() string { return string(k) }

// Snapshot is a point-in-time copy of a stored document. CreateTime and
// UpdateTime are assigned by the store at commit; Version is a store-wide
// monotonically increasing stamp of the last write and CreateSeq the stamp of
// the write that created the document.
type Snapshot struct {
	Key        Key
	Data       json.RawMessage
	Version    int64
	CreateSeq  int64
	CreateTime time.Time
	UpdateTime time.Time
}

// Exists reports whether the snapshot holds a document.
func (s Snapshot) Exists() bool { return s.Version > 0 }

// DataTo decodes the document payload into v.
func (s Snapshot) DataTo(v any) error {
	if !s.Exists() {
		return fmt.Errorf("%w: %s", ErrNotFound, s.Key)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("docstore: decode %s: %w", s.Key, err)
	}
	return nil
}

// Before orders snapshots by creation stamp, which follows commit order.
// CreateTime only decides between snapshots without a stamp, since clocks on
// different writers may disagree.
func (s Snapshot) Before(other Snapshot) bool {
	if s.CreateSeq != other.CreateSeq {
		return s.CreateSeq < other.CreateSeq
	}
	return s.CreateTime.Before(other.CreateTime)
}

// Query selects the documents of one collection ordered by creation.
type Query struct {
	Collection string
	Descending bool
	Limit      int
}

// QuerySnapshot is one emission of a live query.
type QuerySnapshot struct {
	Docs     []Snapshot
	ReadTime time.Time
	Err      error
}

// Tx is the view a transaction body works against. All reads must happen
// before the first write; writes are buffered and applied atomically at commit.
type Tx interface {
	Get(ctx context.Context, key Key) (Snapshot, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)
	Create(key Key, data any) error
	Set(key Key, data any) error
	Update(key Key, data any) error
	Delete(key Key) error
}

// Reader serves non-transactional reads.
type Reader interface {
	Get(ctx context.Context, key Key) (Snapshot, error)
	List(ctx context.Context, q Query) ([]Snapshot, error)
}

// CommitResult describes a successful RunAtomic call.
type CommitResult struct {
	Attempts   int
	CommitTime time.Time
	Version    int64
	Writes     int
}

// Store is the full document store contract.
type Store interface {
	Reader
	// RunAtomic runs fn until it commits without conflict, the attempt budget
	// is spent, or fn returns an error. Body errors abort without retry.
	RunAtomic(ctx context.Context, fn func(context.Context, Tx) error) (CommitResult, error)
	// Subscribe streams the query result now and after every commit that
	// touches the collection, until ctx is done.
	Subscribe(ctx context.Context, q Query) (<-chan QuerySnapshot, error)
}
