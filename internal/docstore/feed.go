package docstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Notify publishes a committed change. The commit already stands, so a
// failed publish is only logged; live queries on those collections stay
// stale until the next successful notification.
func Notify(ctx context.Context, feed Feed, logger *slog.Logger, collections []string) {
	if feed == nil || len(collections) == 0 {
		return
	}
	if err := feed.Publish(ctx, collections...); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("docstore: publish change notification",
			slog.String("collections", strings.Join(collections, ",")),
			slog.Any("error", err),
		)
	}
}

// Feed fans out "collection changed" notifications to live queries.
type Feed interface {
	Publish(ctx context.Context, collections ...string) error
	// Listen returns a channel that receives a value after each change to the
	// collection. Bursts may be coalesced. The channel closes when ctx is done.
	Listen(ctx context.Context, collection string) (<-chan struct{}, error)
}

// LocalFeed is an in-process Feed.
type LocalFeed struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
}

// NewLocalFeed constructs an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{listeners: make(map[string]map[chan struct{}]struct{})}
}

// Publish notifies every listener of the given collections.
func (f *LocalFeed) Publish(_ context.Context, collections ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range collections {
		for ch := range f.listeners[c] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

// Listen registers a listener until ctx is done.
func (f *LocalFeed) Listen(ctx context.Context, collection string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	if f.listeners[collection] == nil {
		f.listeners[collection] = make(map[chan struct{}]struct{})
	}
	f.listeners[collection][ch] = struct{}{}
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.listeners[collection], ch)
		if len(f.listeners[collection]) == 0 {
			delete(f.listeners, collection)
		}
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Subscribe implements live queries for any Reader paired with a Feed: it
// emits the current result, then re-runs the query after every notification.
func Subscribe(ctx context.Context, r Reader, feed Feed, q Query) (<-chan QuerySnapshot, error) {
	changes, err := feed.Listen(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	out := make(chan QuerySnapshot, 1)
	go func() {
		defer close(out)
		emit := func() bool {
			docs, err := r.List(ctx, q)
			if ctx.Err() != nil {
				return false
			}
			snap := QuerySnapshot{Docs: docs, ReadTime: time.Now().UTC(), Err: err}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok || !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}
