package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Stable codes for the generic sentinels.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeDuplicate    = "DUPLICATE"
	CodeValidation   = "VALIDATION_FAILED"
	CodeForbidden    = "FORBIDDEN"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeTimeout      = "TIMEOUT"
	CodeInternal     = "INTERNAL"
)

// ErrorRule maps a sentinel error to a status code and stable problem code.
type ErrorRule struct {
	Err    error
	Status int
	Code   string
}

var baseRules = []ErrorRule{
	{Err: ErrNotFound, Status: http.StatusNotFound, Code: CodeNotFound},
	{Err: ErrDuplicate, Status: http.StatusConflict, Code: CodeDuplicate},
	{Err: ErrValidation, Status: http.StatusBadRequest, Code: CodeValidation},
	{Err: ErrForbidden, Status: http.StatusForbidden, Code: CodeForbidden},
	{Err: ErrUnauthorized, Status: http.StatusUnauthorized, Code: CodeUnauthorized},
	{Err: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Code: CodeTimeout},
}

// ErrorMapper renders errors as localized problem documents using an ordered rule table.
type ErrorMapper struct {
	rules    []ErrorRule
	messages *Localizer
	logger   *slog.Logger
}

// NewErrorMapper builds a mapper. Domain rules are consulted before the generic sentinels.
func NewErrorMapper(messages *Localizer, logger *slog.Logger, rules ...ErrorRule) *ErrorMapper {
	if messages == nil {
		messages = NewLocalizer("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	all := make([]ErrorRule, 0, len(rules)+len(baseRules))
	all = append(all, rules...)
	all = append(all, baseRules...)
	return &ErrorMapper{rules: all, messages: messages, logger: logger}
}

// Resolve finds the first rule matching err.
func (m *ErrorMapper) Resolve(err error) (ErrorRule, bool) {
	for _, rule := range m.rules {
		if errors.Is(err, rule.Err) {
			return rule, true
		}
	}
	return ErrorRule{Status: http.StatusInternalServerError, Code: CodeInternal}, false
}

// Respond writes err as a problem document. Server-side failures are logged and their detail withheld.
func (m *ErrorMapper) Respond(w http.ResponseWriter, r *http.Request, err error) {
	rule, _ := m.Resolve(err)
	problem := ProblemDetail{
		Title:  m.messages.Text(r, rule.Code),
		Status: rule.Status,
		Code:   rule.Code,
	}
	if rule.Status >= http.StatusInternalServerError {
		m.logger.ErrorContext(r.Context(), "request failed",
			slog.String("code", rule.Code),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	} else {
		problem.Detail = err.Error()
	}
	WriteProblem(w, problem)
}

var defaultMapper = NewErrorMapper(nil, nil)

// RespondError maps the generic sentinels to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	defaultMapper.Respond(w, r, err)
}
