package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/penbosso/IntLearn-sub000/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity replays every account's running-balance chain.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskLedgerCloseSettled closes open receivables that reached zero.
	TaskLedgerCloseSettled = "ledger:close_settled"

	defaultIntegrityConcurrency = 4
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerIntegrityPayload configures the integrity sweep.
type LedgerIntegrityPayload struct {
	// Concurrency bounds how many accounts are verified at once.
	Concurrency int `json:"concurrency"`
}

// NewLedgerIntegrityTask constructs the integrity task.
func NewLedgerIntegrityTask(concurrency int) (*asynq.Task, error) {
	if concurrency <= 0 {
		concurrency = defaultIntegrityConcurrency
	}
	body, err := json.Marshal(LedgerIntegrityPayload{Concurrency: concurrency})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerCloseSettledTask constructs the receivable sweep task.
func NewLedgerCloseSettledTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerCloseSettled, []byte("{}"), asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}

// NewTask builds a task by name for manual triggering.
func NewTask(name string) (*asynq.Task, error) {
	switch name {
	case TaskLedgerIntegrity:
		return NewLedgerIntegrityTask(0)
	case TaskLedgerCloseSettled:
		return NewLedgerCloseSettledTask(), nil
	case TaskIdempotencyCleanup:
		return NewIdempotencyCleanupTask(0)
	default:
		return nil, fmt.Errorf("jobs: unknown task %q", name)
	}
}
