package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/penbosso/IntLearn-sub000/internal/jobs"
	"github.com/penbosso/IntLearn-sub000/internal/ledger"
)

type verifierStub struct {
	mu       sync.Mutex
	accounts []ledger.Account
	results  map[string]ledger.Verification
	errs     map[string]error
	listErr  error
	verified []string
}

func (s *verifierStub) ListAccounts(context.Context) ([]ledger.Account, error) {
	return s.accounts, s.listErr
}

func (s *verifierStub) VerifyAccount(_ context.Context, id string) (ledger.Verification, error) {
	s.mu.Lock()
	s.verified = append(s.verified, id)
	s.mu.Unlock()
	if err := s.errs[id]; err != nil {
		return ledger.Verification{}, err
	}
	if v, ok := s.results[id]; ok {
		return v, nil
	}
	return ledger.Verification{AccountID: id}, nil
}

func TestLedgerIntegrityRunReportsInconsistencies(t *testing.T) {
	stub := &verifierStub{
		accounts: []ledger.Account{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "gone"}},
		results: map[string]ledger.Verification{
			"b": {
				AccountID:     "b",
				Balance:       decimal.NewFromInt(10),
				Replayed:      decimal.NewFromInt(7),
				Discrepancies: []ledger.Discrepancy{{TransactionID: "t1"}},
			},
		},
		errs: map[string]error{"gone": ledger.ErrAccountNotFound},
	}
	job := NewLedgerIntegrityJob(stub, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	report, err := job.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Accounts)
	require.Len(t, report.Inconsistent, 1)
	assert.Equal(t, "b", report.Inconsistent[0].AccountID)
	assert.ElementsMatch(t, []string{"a", "b", "c", "gone"}, stub.verified)
}

func TestLedgerIntegrityHandle(t *testing.T) {
	stub := &verifierStub{accounts: []ledger.Account{{ID: "a"}}}
	job := NewLedgerIntegrityJob(stub, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewLedgerIntegrityTask(0)
	require.NoError(t, err)
	var payload LedgerIntegrityPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, defaultIntegrityConcurrency, payload.Concurrency)
	require.NoError(t, job.Handle(context.Background(), task))

	err = job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	boom := errors.New("boom")
	stub.errs = map[string]error{"a": boom}
	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)

	stub.listErr = boom
	assert.ErrorIs(t, job.Handle(context.Background(), task), boom)

	var nilJob *LedgerIntegrityJob
	assert.Error(t, nilJob.Handle(context.Background(), task))
}

type closerStub struct {
	closed int
	err    error
}

func (c *closerStub) CloseSettledReceivables(context.Context) (int, error) { return c.closed, c.err }

func TestCloseSettledJob(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	job := NewCloseSettledJob(&closerStub{closed: 2}, nil, metrics)
	require.NoError(t, job.Handle(context.Background(), NewLedgerCloseSettledTask()))

	boom := errors.New("boom")
	job = NewCloseSettledJob(&closerStub{err: boom}, nil, metrics)
	assert.ErrorIs(t, job.Handle(context.Background(), NewLedgerCloseSettledTask()), boom)
}

func TestNewTaskByName(t *testing.T) {
	task, err := NewTask(TaskLedgerCloseSettled)
	require.NoError(t, err)
	assert.Equal(t, TaskLedgerCloseSettled, task.Type())

	task, err = NewTask(TaskLedgerIntegrity)
	require.NoError(t, err)
	assert.Equal(t, TaskLedgerIntegrity, task.Type())

	_, err = NewTask("mail:send")
	assert.Error(t, err)
}

func TestDefaultSchedule(t *testing.T) {
	entries, err := DefaultSchedule(8)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "0 3 * * *", entries[0].Spec)
	assert.Equal(t, TaskLedgerIntegrity, entries[0].Task.Type())
	assert.Equal(t, TaskLedgerCloseSettled, entries[1].Task.Type())
	assert.Equal(t, TaskIdempotencyCleanup, entries[2].Task.Type())
}

type purgerStub struct {
	olderThan time.Duration
	removed   int
}

func (p *purgerStub) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	p.olderThan = olderThan
	return p.removed, nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	stub := &purgerStub{removed: 3}
	job := NewIdempotencyCleanupJob(stub, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, stub.olderThan)

	task, err = NewTask(TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, defaultIdempotencyRetention, stub.olderThan)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"retry":0,"failed":0}`, rec.Body.String())
}
