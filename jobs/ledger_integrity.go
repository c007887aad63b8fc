package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/penbosso/IntLearn-sub000/internal/jobs"
	"github.com/penbosso/IntLearn-sub000/internal/ledger"
)

// LedgerVerifier lists accounts and replays their transactions.
type LedgerVerifier interface {
	ListAccounts(ctx context.Context) ([]ledger.Account, error)
	VerifyAccount(ctx context.Context, accountID string) (ledger.Verification, error)
}

// IntegrityReport summarises one sweep.
type IntegrityReport struct {
	Accounts     int
	Inconsistent []ledger.Verification
}

// LedgerIntegrityJob checks every account's running balances against a replay.
type LedgerIntegrityJob struct {
	Ledger  LedgerVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob wires the integrity handler.
func NewLedgerIntegrityJob(verifier LedgerVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Ledger:  verifier,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskLedgerIntegrity tasks.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	defer func() {
		err = tracker.End(err)
	}()

	start := j.now()
	logger := j.logger()
	report, err := j.Run(ctx, payload.Concurrency)
	if err != nil {
		logger.Error("integrity sweep failed", slog.Any("error", err))
		return err
	}
	for _, v := range report.Inconsistent {
		logger.Warn("ledger inconsistency detected",
			slog.String("account_id", v.AccountID),
			slog.String("balance", v.Balance.StringFixed(2)),
			slog.String("replayed", v.Replayed.StringFixed(2)),
			slog.Int("discrepancies", len(v.Discrepancies)),
		)
	}
	logger.Info("completed integrity sweep",
		slog.Int("accounts", report.Accounts),
		slog.Int("inconsistent", len(report.Inconsistent)),
		slog.Duration("duration", j.now().Sub(start)),
	)
	return nil
}

// Run verifies every account with at most concurrency replays in flight.
func (j *LedgerIntegrityJob) Run(ctx context.Context, concurrency int) (IntegrityReport, error) {
	if concurrency <= 0 {
		concurrency = defaultIntegrityConcurrency
	}
	accounts, err := j.Ledger.ListAccounts(ctx)
	if err != nil {
		return IntegrityReport{}, err
	}

	var (
		mu     sync.Mutex
		report = IntegrityReport{Accounts: len(accounts)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			v, err := j.Ledger.VerifyAccount(gctx, acct.ID)
			if errors.Is(err, ledger.ErrAccountNotFound) {
				// Deleted between listing and replay.
				return nil
			}
			if err != nil {
				return err
			}
			if v.Consistent() {
				return nil
			}
			j.metrics().AddAnomalies("running_balance", len(v.Discrepancies))
			if !v.Balance.Equal(v.Replayed) {
				j.metrics().AddAnomalies("final_balance", 1)
			}
			mu.Lock()
			report.Inconsistent = append(report.Inconsistent, v)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return IntegrityReport{}, err
	}
	j.metrics().AddProcessed(TaskLedgerIntegrity, report.Accounts)
	return report, nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
