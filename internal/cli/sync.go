package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clubfridge/kiosk/internal/store"
)

// SyncResult is the output of the sync command.
type SyncResult struct {
	Due        int    `json:"due"`
	Synced     int    `json:"synced"`
	Reconciled int    `json:"reconciled"`
	Transient  int    `json:"transient"`
	Rejected   int    `json:"rejected"`
	AuthFailed []int  `json:"auth_failed,omitempty"`
	Skipped    []int  `json:"skipped,omitempty"`
	Held       []int  `json:"held,omitempty"`
	Pending    int    `json:"pending"`
	LastError  string `json:"last_error,omitempty"`
}

func (r SyncResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Due: %d, synced: %d (reconciled %d), retry later: %d, rejected: %d\n",
		r.Due, r.Synced, r.Reconciled, r.Transient, r.Rejected)
	if len(r.AuthFailed) > 0 {
		fmt.Fprintf(&b, "Authentication rejected for club(s): %v\n", r.AuthFailed)
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&b, "Paused by authentication backoff: %v\n", r.Skipped)
	}
	if len(r.Held) > 0 {
		fmt.Fprintf(&b, "Waiting for an earlier sale to be retried: %v\n", r.Held)
	}
	if r.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", r.LastError)
	}
	fmt.Fprintf(&b, "Pending: %d", r.Pending)
	return b.String()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending sales once",
		Long: `Run one synchronization cycle and exit.

Sales left in flight by an interrupted process are reconciled first, so a sale
the remote already recorded is never booked twice. Only one process syncs a
database at a time: while 'clubfridge run' is active, sync refuses to start.

Exit codes:
  0 - Every due sale was handled
  1 - Some sales stay pending (network down, credential rejected)
  2 - Command error (config, database, offline mode, another process syncing)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireOnline("sync"); err != nil {
		return err
	}

	engine := a.newEngine()
	defer func() {
		if err := engine.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to release sync lease", "error", err)
		}
	}()

	if err := engine.Recover(ctx); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return WrapExitError(ExitCommandError, "another clubfridge process is syncing this database", err)
		}
		return WrapExitError(ExitCommandError, "failed to recover in-flight sales", err)
	}
	res, err := engine.RunCycle(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "sync cycle failed", err)
	}

	result := SyncResult{
		Due:        res.Due,
		Synced:     res.Synced,
		Reconciled: res.Reconciled,
		Transient:  res.Transient,
		Rejected:   res.Rejected,
		AuthFailed: res.AuthFailed,
		Skipped:    res.Skipped,
		Held:       res.Held,
		Pending:    engine.Status().Pending,
		LastError:  res.LastError,
	}

	f := a.formatter(cmd)
	if err := f.Success(result); err != nil {
		return err
	}
	if result.Transient > 0 || len(result.AuthFailed) > 0 || len(result.Skipped) > 0 || len(result.Held) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d sale(s) still pending", result.Pending))
	}
	return nil
}
