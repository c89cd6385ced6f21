package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/cashdesk/cmd/cashdeskctl/cli"
	"github.com/odyssey-erp/cashdesk/internal/app"
	"github.com/odyssey-erp/cashdesk/internal/register"
)

const usage = `usage: cashdeskctl <command> [flags]

commands:
  verify-session --session <uuid> [--json]   replay a session ledger
  trigger-job --name <task> [--session <uuid>] enqueue a background job
  queue-stats                                  show default queue depth
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return cli.ExitFailure
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitFailure
	}
	logger := app.NewLogger(cfg)

	switch args[0] {
	case "verify-session":
		fs := flag.NewFlagSet("verify-session", flag.ContinueOnError)
		fs.SetOutput(stderr)
		sessionID := fs.String("session", "", "session id")
		jsonOut := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return cli.ExitFailure
		}
		storage, err := app.OpenStorage(ctx, cfg, logger)
		if err != nil {
			fmt.Fprintf(stderr, "open storage: %v\n", err)
			return cli.ExitFailure
		}
		defer storage.Close()
		ops, err := cli.NewLedgerOpsCLI(register.NewService(storage.Repo, logger))
		if err != nil {
			fmt.Fprintln(stderr, err)
			return cli.ExitFailure
		}
		return ops.VerifyCommand(ctx, cli.VerifyOptions{SessionID: *sessionID, JSONOutput: *jsonOut, Stdout: stdout, Stderr: stderr})

	case "trigger-job":
		fs := flag.NewFlagSet("trigger-job", flag.ContinueOnError)
		fs.SetOutput(stderr)
		name := fs.String("name", "", "task type")
		sessionID := fs.String("session", "", "session id for register:close_summary")
		if err := fs.Parse(args[1:]); err != nil {
			return cli.ExitFailure
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return cli.ExitFailure
		}
		defer jobsCLI.Close()
		info, err := jobsCLI.Trigger(ctx, *name, *sessionID)
		if err != nil {
			fmt.Fprintf(stderr, "trigger %s: %v\n", *name, err)
			return cli.ExitFailure
		}
		logger.Info("job enqueued", slog.String("task", info.Type), slog.String("id", info.ID), slog.String("queue", info.Queue))
		fmt.Fprintf(stdout, "enqueued %s (%s)\n", info.Type, info.ID)
		return cli.ExitOK

	case "queue-stats":
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return cli.ExitFailure
		}
		defer jobsCLI.Close()
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "inspect queue: %v\n", err)
			return cli.ExitFailure
		}
		fmt.Fprintf(stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return cli.ExitOK

	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return cli.ExitFailure
	}
}
