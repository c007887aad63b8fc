package shared

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
)

// AuditLog represents a record stored under auditLogs/.
type AuditLog struct {
	ActorID  string         `json:"actorId"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// AuditLogger writes records into the auditLogs collection.
type AuditLogger struct {
	store docstore.Store
	now   func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(store docstore.Store) *AuditLogger {
	return &AuditLogger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.store == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.At.IsZero() {
		log.At = l.now()
	}
	key := docstore.Doc("auditLogs", uuid.NewString())
	_, err := l.store.RunAtomic(ctx, func(_ context.Context, tx docstore.Tx) error {
		return tx.Create(key, log)
	})
	return err
}
