// Package memstore is an in-process docstore.Store guarded by a RWMutex.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
)

type record struct {
	data       []byte
	version    int64
	createSeq  int64
	createTime time.Time
	updateTime time.Time
}

// Store keeps documents in memory.
type Store struct {
	mu    sync.RWMutex
	docs  map[docstore.Key]*record
	seq   int64
	clock func() time.Time
	feed   docstore.Feed
	opts   docstore.Options
	logger *slog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the commit clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithOptions overrides the retry options.
func WithOptions(opts docstore.Options) Option {
	return func(s *Store) { s.opts = opts }
}

// WithFeed replaces the in-process change feed.
func WithFeed(feed docstore.Feed) Option {
	return func(s *Store) {
		if feed != nil {
			s.feed = feed
		}
	}
}

// WithLogger sets the logger for failed change notifications.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:  make(map[docstore.Key]*record),
		clock: func() time.Time { return time.Now().UTC() },
		feed:  docstore.NewLocalFeed(),
		opts:  docstore.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a committed document.
func (s *Store) Get(ctx context.Context, key docstore.Key) (docstore.Snapshot, error) {
	snap, err := s.Fetch(ctx, key)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if !snap.Exists() {
		return docstore.Snapshot{Key: key}, fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}
	return snap, nil
}

// List returns the documents of a collection ordered by creation.
func (s *Store) List(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	snaps, err := s.FetchCollection(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		if q.Descending {
			return snaps[j].Before(snaps[i])
		}
		return snaps[i].Before(snaps[j])
	})
	if q.Limit > 0 && len(snaps) > q.Limit {
		snaps = snaps[:q.Limit]
	}
	return snaps, nil
}

// Fetch implements docstore.Fetcher.
func (s *Store) Fetch(ctx context.Context, key docstore.Key) (docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.docs[key]
	if !ok {
		return docstore.Snapshot{Key: key}, nil
	}
	return rec.snapshot(key), nil
}

// FetchCollection implements docstore.Fetcher.
func (s *Store) FetchCollection(ctx context.Context, collection string) ([]docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := collection + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []docstore.Snapshot
	for key, rec := range s.docs {
		rest, ok := strings.CutPrefix(string(key), prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, rec.snapshot(key))
	}
	return out, nil
}

// RunAtomic executes fn with optimistic concurrency control.
func (s *Store) RunAtomic(ctx context.Context, fn func(context.Context, docstore.Tx) error) (docstore.CommitResult, error) {
	return docstore.Retry(ctx, s.opts, func(ctx context.Context) (docstore.CommitResult, error) {
		txn := docstore.NewTxn(s)
		if err := fn(ctx, txn); err != nil {
			return docstore.CommitResult{}, err
		}
		res, err := s.commit(txn)
		if err != nil {
			return docstore.CommitResult{}, err
		}
		docstore.Notify(ctx, s.feed, s.logger, txn.Collections())
		return res, nil
	})
}

// Subscribe streams a live query.
func (s *Store) Subscribe(ctx context.Context, q docstore.Query) (<-chan docstore.QuerySnapshot, error) {
	return docstore.Subscribe(ctx, s, s.feed, q)
}

func (s *Store) commit(txn *docstore.Txn) (docstore.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range txn.Reads() {
		if s.versionOf(key) != version {
			return docstore.CommitResult{}, fmt.Errorf("%w: %s", docstore.ErrConflict, key)
		}
	}

	// Check write preconditions against the state the writes will see, in order.
	present := make(map[docstore.Key]bool)
	exists := func(key docstore.Key) bool {
		if v, ok := present[key]; ok {
			return v
		}
		_, ok := s.docs[key]
		return ok
	}
	for _, w := range txn.Writes() {
		switch w.Op {
		case docstore.OpCreate:
			if exists(w.Key) {
				return docstore.CommitResult{}, fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, w.Key)
			}
			present[w.Key] = true
		case docstore.OpUpdate:
			if !exists(w.Key) {
				return docstore.CommitResult{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, w.Key)
			}
		case docstore.OpSet:
			present[w.Key] = true
		case docstore.OpDelete:
			present[w.Key] = false
		}
	}

	now := s.clock()
	for _, w := range txn.Writes() {
		s.seq++
		switch w.Op {
		case docstore.OpDelete:
			delete(s.docs, w.Key)
		default:
			rec, ok := s.docs[w.Key]
			if !ok {
				rec = &record{createSeq: s.seq, createTime: now}
				s.docs[w.Key] = rec
			}
			rec.data = append([]byte(nil), w.Data...)
			rec.version = s.seq
			rec.updateTime = now
		}
	}
	return docstore.CommitResult{CommitTime: now, Version: s.seq, Writes: len(txn.Writes())}, nil
}

func (s *Store) versionOf(key docstore.Key) int64 {
	if rec, ok := s.docs[key]; ok {
		return rec.version
	}
	return 0
}

func (r *record) snapshot(key docstore.Key) docstore.Snapshot {
	return docstore.Snapshot{
		Key:        key,
		Data:       append([]byte(nil), r.data...),
		Version:    r.version,
		CreateSeq:  r.createSeq,
		CreateTime: r.createTime,
		UpdateTime: r.updateTime,
	}
}
