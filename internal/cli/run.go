package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/recorder"
	"github.com/clubfridge/kiosk/internal/syncer"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	NoInput bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the kiosk",
		Long: `Run the kiosk: read scans from standard input, record sales, and keep
syncing and refreshing the catalog in the background.

Each input line is a keycode followed by one or more articles, the same
arguments the sell command takes:

  <keycode> <article>[:<quantity>]...

The kiosk stops on end of input, SIGINT or SIGTERM. With --no-input it only
syncs and refreshes until a signal arrives. In offline mode nothing is sent
to the remote.

Examples:
  clubfridge run
  clubfridge run --no-input --config /etc/clubfridge.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKiosk(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoInput, "no-input", false, "do not read scans from standard input")

	return cmd
}

func runKiosk(opts *RunOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	club, err := a.clubID(ctx)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	var engine *syncer.Engine
	var rec *recorder.Recorder
	if a.cfg.Offline {
		slog.Info("offline mode: sales are recorded locally only")
		rec = a.newRecorder(club, nil)
	} else {
		engine = a.newEngine()
		rec = a.newRecorder(club, engine)

		g.Go(func() error {
			return shutdownErr(gctx, engine.Run(gctx))
		})

		refresher, err := a.newRefresher(ctx, catalog.WithReconnectHook(engine.Kick))
		if err != nil {
			slog.Warn("catalog refresh disabled", "club", club, "error", err)
		} else {
			g.Go(func() error {
				return shutdownErr(gctx, refresher.Run(gctx))
			})
		}
	}

	f := a.formatter(cmd)
	slog.Info("kiosk started", "club", club, "offline", a.cfg.Offline, "catalog_generation", a.catalog.Snapshot().Generation())

	if !opts.NoInput {
		if !f.IsJSON() {
			fmt.Fprintln(cmd.OutOrStdout(), "Kiosk ready. Scan key and article(s), one sale per line.")
		}
		g.Go(func() error {
			defer cancel()
			return shutdownErr(gctx, readScans(gctx, cmd.InOrStdin(), rec, f))
		})
	}

	err = g.Wait()
	if engine != nil {
		slog.Info("kiosk stopped", "pending", engine.Status().Pending)
	} else {
		slog.Info("kiosk stopped")
	}
	if err != nil {
		return WrapExitError(ExitFailure, "kiosk error", err)
	}
	return nil
}

// newRefresher builds the catalog refresher for the selected club.
func (a *app) newRefresher(ctx context.Context, opts ...catalog.RefresherOption) (*catalog.Refresher, error) {
	src, err := a.source(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.NewRefresher(a.catalog, src, a.cfg.Catalog.Schedule, a.cfg.Catalog.Timeout, opts...)
}

// readScans records one basket per input line until EOF or cancellation.
// A refused sale is reported and the loop goes on.
func readScans(ctx context.Context, in io.Reader, rec *recorder.Recorder, f *OutputFormatter) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				slog.Info("end of input")
				return nil
			}
			handleScan(ctx, line, rec, f)
		}
	}
}

// handleScan records the basket described by one input line.
func handleScan(ctx context.Context, line string, rec *recorder.Recorder, f *OutputFormatter) {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 0:
		return
	case len(fields) < 2:
		_ = f.Error("INVALID_INPUT", "expected: <keycode> <article>[:<quantity>]...", nil)
		return
	}

	items, err := parseItems(fields[1:])
	if err != nil {
		_ = f.Error("INVALID_INPUT", err.Error(), nil)
		return
	}

	if err := recordAndPrint(ctx, rec, f, fields[0], items); err != nil {
		if GetExitCode(err) == ExitCommandError {
			slog.Error("sale not recorded", "error", err)
			return
		}
		slog.Debug("sale refused", "error", err)
	}
}

// shutdownErr drops errors caused by the shutdown itself.
func shutdownErr(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
