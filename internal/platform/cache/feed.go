package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Feed broadcasts document collection changes over Redis pub/sub so live
// queries observe commits made by other processes.
type Feed struct {
	client *redis.Client
	prefix string
}

// NewFeed constructs a Feed publishing on "<prefix><collection>" channels.
func NewFeed(client *redis.Client, prefix string) *Feed {
	if prefix == "" {
		prefix = "docstore:"
	}
	return &Feed{client: client, prefix: prefix}
}

// Publish notifies listeners of each collection.
func (f *Feed) Publish(ctx context.Context, collections ...string) error {
	for _, c := range collections {
		if err := f.client.Publish(ctx, f.prefix+c, "changed").Err(); err != nil {
			return fmt.Errorf("platform/cache: publish %s: %w", c, err)
		}
	}
	return nil
}

// Listen subscribes to a collection until ctx is done.
func (f *Feed) Listen(ctx context.Context, collection string) (<-chan struct{}, error) {
	pubsub := f.client.Subscribe(ctx, f.prefix+collection)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("platform/cache: subscribe %s: %w", collection, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
