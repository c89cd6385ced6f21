package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/cashdesk/internal/jobs"
	"github.com/odyssey-erp/cashdesk/internal/register"
)

type sessionReader interface {
	GetSession(ctx context.Context, id uuid.UUID) (register.Session, error)
	GetReconciliation(ctx context.Context, id uuid.UUID) (register.Reconciliation, bool, error)
}

type taskEnqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// CloseSummaryJob logs the reconciliation of a closed session and raises
// an alert when the discrepancy exceeds the configured threshold.
type CloseSummaryJob struct {
	Sessions   sessionReader
	Queue      taskEnqueuer
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	Threshold  *decimal.Decimal
	AlertEmail string
	Locale     string
}

// NewCloseSummaryJob wires dependencies. A nil threshold disables alerts.
func NewCloseSummaryJob(sessions sessionReader, queue taskEnqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics, threshold *decimal.Decimal, alertEmail string) *CloseSummaryJob {
	return &CloseSummaryJob{
		Sessions:   sessions,
		Queue:      queue,
		Logger:     logger,
		Metrics:    metrics,
		Threshold:  threshold,
		AlertEmail: strings.TrimSpace(alertEmail),
	}
}

// Handle processes close summary tasks.
func (j *CloseSummaryJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sessions == nil {
		return errors.New("close summary: handler not configured")
	}
	var payload CloseSummaryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.SessionID == uuid.Nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRegisterCloseSummary)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("session_id", payload.SessionID.String()))

	session, err := j.Sessions.GetSession(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, register.ErrSessionNotFound) {
			logger.Warn("session vanished before summary")
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		resultErr = err
		return resultErr
	}
	rec, closed, err := j.Sessions.GetReconciliation(ctx, payload.SessionID)
	if err != nil {
		resultErr = err
		return resultErr
	}
	if !closed {
		logger.Warn("session still open, skipping summary")
		return nil
	}

	format := amountFormatter(j.Locale)
	logger = logger.With(slog.Int64("till_id", session.TillID))
	logger.Info("register close summary",
		slog.String("opening", format(rec.OpeningBalance)),
		slog.String("inflows", format(rec.Inflows)),
		slog.String("outflows", format(rec.Outflows)),
		slog.String("adjustments", format(rec.Adjustments)),
		slog.String("expected", format(rec.ExpectedBalance)),
		slog.String("counted", format(rec.CountedBalance)),
		slog.String("discrepancy", format(rec.Discrepancy)),
		slog.String("outcome", string(rec.Outcome)),
		slog.Int64("movements", session.LastSeq))

	if !j.exceeds(rec.Discrepancy) {
		return resultErr
	}
	logger.Warn("register discrepancy above threshold",
		slog.String("discrepancy", format(rec.Discrepancy)),
		slog.String("threshold", format(*j.Threshold)))
	j.metrics().AddAlerts("discrepancy", session.TillID, 1)

	if j.AlertEmail == "" || j.Queue == nil {
		return resultErr
	}
	task, err := NewSendEmailTask(SendEmailPayload{
		To:      j.AlertEmail,
		Subject: fmt.Sprintf("Till %d closed %s by %s", session.TillID, strings.ToLower(string(rec.Outcome)), format(rec.Discrepancy.Abs())),
		Body: fmt.Sprintf("Session %s\nExpected: %s\nCounted: %s\nDiscrepancy: %s\n",
			session.ID, format(rec.ExpectedBalance), format(rec.CountedBalance), format(rec.Discrepancy)),
	})
	if err != nil {
		resultErr = err
		return resultErr
	}
	if _, err := j.Queue.Enqueue(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		logger.Error("enqueue discrepancy alert", slog.Any("error", err))
		resultErr = err
	}
	return resultErr
}

func (j *CloseSummaryJob) exceeds(discrepancy decimal.Decimal) bool {
	return j.Threshold != nil && discrepancy.Abs().GreaterThan(*j.Threshold)
}

func (j *CloseSummaryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRegisterCloseSummary))
	}
	return slog.Default().With(slog.String("job", TaskRegisterCloseSummary))
}

func (j *CloseSummaryJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
