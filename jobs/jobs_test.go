package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/cashdesk/internal/jobs"
	"github.com/odyssey-erp/cashdesk/internal/register"
)

type stubSessions struct {
	getSessionFn     func(ctx context.Context, id uuid.UUID) (register.Session, error)
	reconciliationFn func(ctx context.Context, id uuid.UUID) (register.Reconciliation, bool, error)
	staleFn          func(ctx context.Context, maxAge time.Duration, limit int) ([]register.Session, error)
}

func (s *stubSessions) GetSession(ctx context.Context, id uuid.UUID) (register.Session, error) {
	if s.getSessionFn != nil {
		return s.getSessionFn(ctx, id)
	}
	return register.Session{}, nil
}

func (s *stubSessions) GetReconciliation(ctx context.Context, id uuid.UUID) (register.Reconciliation, bool, error) {
	if s.reconciliationFn != nil {
		return s.reconciliationFn(ctx, id)
	}
	return register.Reconciliation{}, false, nil
}

func (s *stubSessions) StaleSessions(ctx context.Context, maxAge time.Duration, limit int) ([]register.Session, error) {
	if s.staleFn != nil {
		return s.staleFn(ctx, maxAge, limit)
	}
	return nil, nil
}

type recordingQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "t", Queue: QueueDefault, Type: task.Type()}, nil
}

type gaugeFunc func(int)

func (f gaugeFunc) SetStaleSessions(count int) { f(count) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJobMetrics(t *testing.T) (*jobmetrics.Metrics, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	return jobmetrics.NewMetrics(registry), registry
}

func counterSum(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func closedSession(id uuid.UUID) register.Session {
	return register.Session{ID: id, TillID: 3, Status: register.StatusClosed, LastSeq: 4}
}

func closeTask(t *testing.T, id uuid.UUID) *asynq.Task {
	t.Helper()
	task, err := NewCloseSummaryTask(CloseSummaryPayload{SessionID: id, TillID: 3})
	require.NoError(t, err)
	return task
}

func TestCloseSummaryRaisesAlertAboveThreshold(t *testing.T) {
	id := uuid.New()
	sessions := &stubSessions{
		getSessionFn: func(ctx context.Context, got uuid.UUID) (register.Session, error) {
			require.Equal(t, id, got)
			return closedSession(id), nil
		},
		reconciliationFn: func(ctx context.Context, got uuid.UUID) (register.Reconciliation, bool, error) {
			return register.Reconcile(decimal.NewFromInt(100), register.Totals{register.MovementSale: decimal.NewFromInt(400)}, decimal.NewFromInt(450)), true, nil
		},
	}
	queue := &recordingQueue{}
	metrics, registry := newJobMetrics(t)
	threshold := decimal.NewFromInt(20)
	job := NewCloseSummaryJob(sessions, queue, discardLogger(), metrics, &threshold, "ops@example.com")

	require.NoError(t, job.Handle(context.Background(), closeTask(t, id)))

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TaskTypeSendEmail, queue.tasks[0].Type())
	var mail SendEmailPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &mail))
	assert.Equal(t, "ops@example.com", mail.To)
	assert.Contains(t, mail.Subject, "Till 3 closed short by 50.00")
	assert.Equal(t, 1.0, counterSum(t, registry, "cashdesk_register_alerts_total", map[string]string{"kind": "discrepancy", "till": "3"}))
	assert.Equal(t, 1.0, counterSum(t, registry, "cashdesk_jobs_total", map[string]string{"job": TaskRegisterCloseSummary, "status": "success"}))
}

func TestCloseSummaryWithinThresholdOnlyLogs(t *testing.T) {
	id := uuid.New()
	sessions := &stubSessions{
		getSessionFn: func(ctx context.Context, got uuid.UUID) (register.Session, error) {
			return closedSession(id), nil
		},
		reconciliationFn: func(ctx context.Context, got uuid.UUID) (register.Reconciliation, bool, error) {
			return register.Reconcile(decimal.NewFromInt(100), register.Totals{}, decimal.NewFromInt(105)), true, nil
		},
	}
	queue := &recordingQueue{}
	metrics, registry := newJobMetrics(t)
	threshold := decimal.NewFromInt(20)
	job := NewCloseSummaryJob(sessions, queue, discardLogger(), metrics, &threshold, "ops@example.com")

	require.NoError(t, job.Handle(context.Background(), closeTask(t, id)))
	assert.Empty(t, queue.tasks)
	assert.Zero(t, counterSum(t, registry, "cashdesk_register_alerts_total", nil))
}

func TestCloseSummaryWithoutThresholdNeverAlerts(t *testing.T) {
	id := uuid.New()
	sessions := &stubSessions{
		getSessionFn: func(ctx context.Context, got uuid.UUID) (register.Session, error) {
			return closedSession(id), nil
		},
		reconciliationFn: func(ctx context.Context, got uuid.UUID) (register.Reconciliation, bool, error) {
			return register.Reconcile(decimal.Zero, register.Totals{}, decimal.NewFromInt(10000)), true, nil
		},
	}
	queue := &recordingQueue{}
	metrics, _ := newJobMetrics(t)
	job := NewCloseSummaryJob(sessions, queue, discardLogger(), metrics, nil, "ops@example.com")

	require.NoError(t, job.Handle(context.Background(), closeTask(t, id)))
	assert.Empty(t, queue.tasks)
}

func TestCloseSummarySkipsMissingSession(t *testing.T) {
	sessions := &stubSessions{
		getSessionFn: func(ctx context.Context, got uuid.UUID) (register.Session, error) {
			return register.Session{}, register.ErrSessionNotFound
		},
	}
	metrics, _ := newJobMetrics(t)
	job := NewCloseSummaryJob(sessions, nil, discardLogger(), metrics, nil, "")

	err := job.Handle(context.Background(), closeTask(t, uuid.New()))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskRegisterCloseSummary, []byte("{bad")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCloseSummaryRetriesStorageFailure(t *testing.T) {
	sessions := &stubSessions{
		getSessionFn: func(ctx context.Context, got uuid.UUID) (register.Session, error) {
			return register.Session{}, register.ErrStorageUnavailable
		},
	}
	metrics, registry := newJobMetrics(t)
	job := NewCloseSummaryJob(sessions, nil, discardLogger(), metrics, nil, "")

	err := job.Handle(context.Background(), closeTask(t, uuid.New()))
	require.ErrorIs(t, err, register.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 1.0, counterSum(t, registry, "cashdesk_jobs_failures_total", map[string]string{"job": TaskRegisterCloseSummary}))
}

func TestStaleScanReportsWithoutClosing(t *testing.T) {
	opened := time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)
	sessions := &stubSessions{
		staleFn: func(ctx context.Context, maxAge time.Duration, limit int) ([]register.Session, error) {
			assert.Equal(t, 12*time.Hour, maxAge)
			assert.Equal(t, defaultStaleScanLimit, limit)
			return []register.Session{
				{ID: uuid.New(), TillID: 1, Status: register.StatusOpen, OpenedAt: opened},
				{ID: uuid.New(), TillID: 2, Status: register.StatusOpen, OpenedAt: opened},
			}, nil
		},
	}
	gauge := -1
	metrics, registry := newJobMetrics(t)
	job := NewStaleScanJob(sessions, gaugeFunc(func(n int) { gauge = n }), discardLogger(), metrics, 12*time.Hour)
	job.clock = func() time.Time { return opened.Add(20 * time.Hour) }

	task, err := NewStaleScanTask(StaleScanPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 2, gauge)
	assert.Equal(t, 2.0, counterSum(t, registry, "cashdesk_register_alerts_total", map[string]string{"kind": "stale_session"}))
}

func TestStaleScanPayloadOverridesMaxAge(t *testing.T) {
	sessions := &stubSessions{
		staleFn: func(ctx context.Context, maxAge time.Duration, limit int) ([]register.Session, error) {
			assert.Equal(t, time.Hour, maxAge)
			assert.Equal(t, 5, limit)
			return nil, nil
		},
	}
	metrics, _ := newJobMetrics(t)
	job := NewStaleScanJob(sessions, nil, discardLogger(), metrics, 12*time.Hour)
	task, err := NewStaleScanTask(StaleScanPayload{MaxAge: time.Hour, Limit: 5})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
}

type cleanerFunc func(ctx context.Context, olderThan time.Duration) (int64, error)

func (f cleanerFunc) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return f(ctx, olderThan)
}

func TestIdempotencyCleanupUsesRetention(t *testing.T) {
	var got time.Duration
	metrics, registry := newJobMetrics(t)
	job := &IdempotencyCleanupJob{
		Store: cleanerFunc(func(ctx context.Context, olderThan time.Duration) (int64, error) {
			got = olderThan
			return 3, nil
		}),
		Logger:    discardLogger(),
		Metrics:   metrics,
		Retention: 48 * time.Hour,
	}
	task, err := NewIdempotencyCleanupTask(IdempotencyCleanupPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 48*time.Hour, got)

	job.Store = cleanerFunc(func(ctx context.Context, olderThan time.Duration) (int64, error) {
		return 0, errors.New("db down")
	})
	require.Error(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1.0, counterSum(t, registry, "cashdesk_jobs_failures_total", map[string]string{"job": TaskIdempotencyCleanup}))
}

func TestCloseNotifierEnqueuesSummary(t *testing.T) {
	queue := &recordingQueue{}
	notifier := CloseNotifier{Queue: queue}
	id := uuid.New()

	require.NoError(t, notifier.SessionClosed(context.Background(), register.Session{ID: id, TillID: 9}))
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TaskRegisterCloseSummary, queue.tasks[0].Type())
	var payload CloseSummaryPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	assert.Equal(t, id, payload.SessionID)
	assert.Equal(t, int64(9), payload.TillID)

	queue.err = asynq.ErrTaskIDConflict
	assert.NoError(t, notifier.SessionClosed(context.Background(), register.Session{ID: id, TillID: 9}))

	queue.err = errors.New("redis down")
	assert.Error(t, notifier.SessionClosed(context.Background(), register.Session{ID: id, TillID: 9}))
}

func TestSendEmailHandler(t *testing.T) {
	handler := NewSendEmailHandler(discardLogger())
	task, err := NewSendEmailTask(SendEmailPayload{To: "ops@example.com", Subject: "hi"})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), task))
	assert.ErrorIs(t, handler(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("nope"))), asynq.SkipRetry)

	_, err = NewSendEmailTask(SendEmailPayload{})
	assert.Error(t, err)
}

func TestAmountFormatterLocales(t *testing.T) {
	amount := decimal.RequireFromString("1250.5")
	assert.Equal(t, "1,250.50", amountFormatter("en")(amount))
	assert.Equal(t, "1.250,50", amountFormatter("id")(amount))
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestJobsHealth(t *testing.T) {
	h := &Handler{inspector: stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 4, Failed: 1}}, logger: discardLogger()}
	rr := httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body queueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Pending)
	assert.Equal(t, 1, body.Failed)

	h = &Handler{inspector: stubInspector{err: errors.New("redis down")}, logger: discardLogger()}
	rr = httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	h = NewHandler(nil, nil)
	rr = httptest.NewRecorder()
	h.health(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
