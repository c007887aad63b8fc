package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/penbosso/IntLearn-sub000/internal/jobs"
)

// ReceivableCloser closes open receivables whose balance reached zero.
type ReceivableCloser interface {
	CloseSettledReceivables(ctx context.Context) (int, error)
}

// CloseSettledJob sweeps receivables a crashed settlement left open.
type CloseSettledJob struct {
	Ledger  ReceivableCloser
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCloseSettledJob wires the sweep handler.
func NewCloseSettledJob(closer ReceivableCloser, logger *slog.Logger, metrics *jobmetrics.Metrics) *CloseSettledJob {
	return &CloseSettledJob{Ledger: closer, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLedgerCloseSettled tasks.
func (j *CloseSettledJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("close settled: handler not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskLedgerCloseSettled)
	defer func() {
		err = tracker.End(err)
	}()

	logger := slog.Default()
	if j.Logger != nil {
		logger = j.Logger
	}
	logger = logger.With(slog.String("job", TaskLedgerCloseSettled))

	closed, err := j.Ledger.CloseSettledReceivables(ctx)
	if err != nil {
		logger.Error("close settled receivables", slog.Int("closed", closed), slog.Any("error", err))
		return err
	}
	metrics.AddProcessed(TaskLedgerCloseSettled, closed)
	if closed > 0 {
		logger.Info("closed settled receivables", slog.Int("closed", closed))
	}
	return nil
}
