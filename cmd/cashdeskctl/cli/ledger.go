package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/cashdesk/internal/register"
)

// Exit codes of verify-session.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitInconsistent = 10
)

type sessionVerifier interface {
	GetSession(ctx context.Context, id uuid.UUID) (register.Session, error)
	VerifySession(ctx context.Context, id uuid.UUID) (register.ReplayReport, error)
}

// LedgerOpsCLI offers operational checks over register ledgers.
type LedgerOpsCLI struct {
	service sessionVerifier
}

// NewLedgerOpsCLI constructs the helper.
func NewLedgerOpsCLI(service sessionVerifier) (*LedgerOpsCLI, error) {
	if service == nil {
		return nil, errors.New("ledger cli: service required")
	}
	return &LedgerOpsCLI{service: service}, nil
}

// VerifyOptions defines available flags for the verify-session command.
type VerifyOptions struct {
	SessionID  string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary describes the JSON response for verify-session.
type VerifySummary struct {
	OK             bool   `json:"ok"`
	SessionID      string `json:"session_id"`
	TillID         int64  `json:"till_id"`
	Status         string `json:"status"`
	Movements      int    `json:"movements"`
	ReplayBalance  string `json:"replay_balance"`
	RunningBalance string `json:"running_balance"`
	Error          string `json:"error,omitempty"`
}

// VerifyCommand replays a session ledger and prints the outcome.
func (c *LedgerOpsCLI) VerifyCommand(ctx context.Context, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	id, err := uuid.Parse(strings.TrimSpace(opts.SessionID))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify-session: invalid session id %q\n", opts.SessionID)
		return ExitFailure
	}
	session, err := c.service.GetSession(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify-session: %v\n", err)
		return ExitFailure
	}
	report, verifyErr := c.service.VerifySession(ctx, id)
	if verifyErr != nil && !errors.Is(verifyErr, register.ErrLedgerInconsistent) {
		_, _ = fmt.Fprintf(opts.Stderr, "verify-session: %v\n", verifyErr)
		return ExitFailure
	}

	summary := VerifySummary{
		OK:             verifyErr == nil,
		SessionID:      session.ID.String(),
		TillID:         session.TillID,
		Status:         string(session.Status),
		Movements:      report.Movements,
		ReplayBalance:  report.Balance.StringFixed(2),
		RunningBalance: session.RunningBalance.StringFixed(2),
	}
	if verifyErr != nil {
		summary.Error = verifyErr.Error()
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify-session: encode json: %v\n", err)
			return ExitFailure
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitInconsistent
	}
	return ExitOK
}

func renderVerifyHuman(out io.Writer, s VerifySummary) {
	_, _ = fmt.Fprintf(out, "Session %s (till %d, %s)\n", s.SessionID, s.TillID, s.Status)
	_, _ = fmt.Fprintf(out, "Movements replayed: %d\n", s.Movements)
	_, _ = fmt.Fprintf(out, "Replayed balance: %s, stored balance: %s\n", s.ReplayBalance, s.RunningBalance)
	if s.OK {
		_, _ = fmt.Fprintln(out, "Ledger is consistent.")
		return
	}
	_, _ = fmt.Fprintf(out, "Ledger is INCONSISTENT: %s\n", s.Error)
}
