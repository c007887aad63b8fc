package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
)

const idempotencyCollection = "idempotencyKeys"

// IdempotencyStore persists processed keys as documents.
type IdempotencyStore struct {
	store docstore.Store
	now   func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(store docstore.Store) *IdempotencyStore {
	return &IdempotencyStore{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = fmt.Errorf("%w: idempotent request already processed", ErrDuplicate)

type idempotencyRecord struct {
	Key       string    `json:"key"`
	Module    string    `json:"module"`
	CreatedAt time.Time `json:"createdAt"`
}

func idempotencyDoc(key, module string) (docstore.Key, error) {
	if key == "" {
		return "", errors.New("idempotency key required")
	}
	if module == "" {
		return "", errors.New("idempotency module required")
	}
	if strings.Contains(key, "/") || strings.Contains(module, "/") {
		return "", fmt.Errorf("%w: idempotency key must not contain '/'", ErrValidation)
	}
	return docstore.Doc(idempotencyCollection, module+":"+key), nil
}

// CheckAndInsert ensures key uniqueness per module.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	doc, err := idempotencyDoc(key, module)
	if err != nil {
		return err
	}
	rec := idempotencyRecord{Key: key, Module: module, CreatedAt: s.now()}
	_, err = s.store.RunAtomic(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Create(doc, rec)
	})
	if errors.Is(err, docstore.ErrAlreadyExists) {
		return ErrIdempotencyConflict
	}
	return err
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	docs, err := s.store.List(ctx, docstore.Query{Collection: idempotencyCollection})
	if err != nil {
		return 0, err
	}
	var stale []docstore.Key
	for _, d := range docs {
		if d.CreateTime.Before(cutoff) {
			stale = append(stale, d.Key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	_, err = s.store.RunAtomic(ctx, func(_ context.Context, tx docstore.Tx) error {
		for _, k := range stale {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil {
		return nil
	}
	doc, err := idempotencyDoc(key, module)
	if err != nil {
		return err
	}
	_, err = s.store.RunAtomic(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Delete(doc)
	})
	return err
}
