package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/cashdesk/internal/jobs"
	"github.com/odyssey-erp/cashdesk/internal/register"
)

const defaultStaleScanLimit = 200

type staleLister interface {
	StaleSessions(ctx context.Context, maxAge time.Duration, limit int) ([]register.Session, error)
}

type staleGauge interface {
	SetStaleSessions(count int)
}

// StaleScanJob reports sessions left open longer than MaxAge. It never closes them.
type StaleScanJob struct {
	Sessions staleLister
	Gauge    staleGauge
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	MaxAge   time.Duration
	clock    func() time.Time
}

// NewStaleScanJob wires dependencies for the stale session scan.
func NewStaleScanJob(sessions staleLister, gauge staleGauge, logger *slog.Logger, metrics *jobmetrics.Metrics, maxAge time.Duration) *StaleScanJob {
	return &StaleScanJob{
		Sessions: sessions,
		Gauge:    gauge,
		Logger:   logger,
		Metrics:  metrics,
		MaxAge:   maxAge,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the stale scan.
func (j *StaleScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sessions == nil {
		return errors.New("stale scan: handler not configured")
	}
	var payload StaleScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.MaxAge <= 0 {
		payload.MaxAge = j.MaxAge
	}
	if payload.MaxAge <= 0 {
		payload.MaxAge = 16 * time.Hour
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultStaleScanLimit
	}

	tracker := j.metrics().Track(TaskRegisterStaleScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Duration("max_age", payload.MaxAge))
	sessions, err := j.Sessions.StaleSessions(ctx, payload.MaxAge, payload.Limit)
	if err != nil {
		resultErr = err
		logger.Error("stale scan failed", slog.Any("error", err))
		return resultErr
	}

	now := j.now()
	for _, s := range sessions {
		logger.Warn("register session left open",
			slog.Int64("till_id", s.TillID),
			slog.String("session_id", s.ID.String()),
			slog.Time("opened_at", s.OpenedAt),
			slog.Duration("open_for", now.Sub(s.OpenedAt).Truncate(time.Minute)),
			slog.String("running_balance", s.RunningBalance.StringFixed(2)))
		j.metrics().AddAlerts("stale_session", s.TillID, 1)
	}
	if j.Gauge != nil {
		j.Gauge.SetStaleSessions(len(sessions))
	}
	logger.Info("completed stale scan", slog.Int("stale", len(sessions)))
	return resultErr
}

func (j *StaleScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRegisterStaleScan))
	}
	return slog.Default().With(slog.String("job", TaskRegisterStaleScan))
}

func (j *StaleScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StaleScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
