package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending alert emails.
	TaskTypeSendEmail = "mail:send"
	// TaskRegisterCloseSummary summarises a session right after it was closed.
	TaskRegisterCloseSummary = "register:close_summary"
	// TaskRegisterStaleScan looks for sessions left open too long.
	TaskRegisterStaleScan = "register:stale_scan"
	// TaskIdempotencyCleanup purges expired Idempotency-Key claims.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	if payload.To == "" {
		return nil, errors.New("send email: recipient required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.MaxRetry(5)), nil
}

// NewSendEmailHandler logs the mail. Delivery belongs to the mail relay.
func NewSendEmailHandler(logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		logger.InfoContext(ctx, "send email",
			slog.String("job", TaskTypeSendEmail),
			slog.String("to", payload.To),
			slog.String("subject", payload.Subject))
		return nil
	}
}

// CloseSummaryPayload identifies the closed session.
type CloseSummaryPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	TillID    int64     `json:"till_id"`
}

// NewCloseSummaryTask constructs a close summary task. The task id makes repeated enqueues of one session collapse.
func NewCloseSummaryTask(payload CloseSummaryPayload) (*asynq.Task, error) {
	if payload.SessionID == uuid.Nil {
		return nil, errors.New("close summary: session id required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRegisterCloseSummary, data,
		asynq.TaskID(TaskRegisterCloseSummary+":"+payload.SessionID.String()),
		asynq.MaxRetry(10)), nil
}

// StaleScanPayload tunes a stale scan run; zero values fall back to the job defaults.
type StaleScanPayload struct {
	MaxAge time.Duration `json:"max_age,omitempty"`
	Limit  int           `json:"limit,omitempty"`
}

// NewStaleScanTask constructs a stale scan task.
func NewStaleScanTask(payload StaleScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRegisterStaleScan, data, asynq.MaxRetry(1)), nil
}

// IdempotencyCleanupPayload tunes a cleanup run.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention,omitempty"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.MaxRetry(1)), nil
}
