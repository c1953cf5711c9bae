package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/config"
	"github.com/clubfridge/kiosk/internal/credential"
	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/logging"
	"github.com/clubfridge/kiosk/internal/recorder"
	"github.com/clubfridge/kiosk/internal/store"
	"github.com/clubfridge/kiosk/internal/syncer"
	"github.com/clubfridge/kiosk/internal/vereinsflieger"
)

// Remote is everything the kiosk needs from the accounting service for one
// club.
type Remote interface {
	syncer.Remote
	catalog.Source
}

// RemoteFactory builds a Remote for a club credential.
type RemoteFactory func(cred ledger.Credential) Remote

// app holds the components shared by the commands.
type app struct {
	opts    *RootOptions
	cfg     *config.Config
	loc     *time.Location
	store   *store.Store
	creds   *credential.Manager
	catalog *catalog.Cache
	logs    io.Closer
}

// openApp loads the config, sets up logging, opens the database, seeds
// credentials from the config and loads the stored catalog.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	path := opts.Config
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Load(path, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	if opts.Verbose {
		level = slog.LevelDebug
	}
	_, logs, err := logging.Setup(logging.Options{
		Level:     level,
		Dir:       cfg.Log.Dir,
		Retention: cfg.Log.Retention,
		Console:   cmd.ErrOrStderr(),
		Now:       opts.Now,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		logs.Close()
		return nil, WrapExitError(ExitCommandError, "invalid timezone", err)
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		logs.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	a := &app{
		opts:  opts,
		cfg:   cfg,
		loc:   loc,
		store: st,
		creds: credential.NewManager(st),
		logs:  logs,
	}

	if err := a.seedCredentials(ctx); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to store configured credentials", err)
	}

	a.catalog, err = catalog.New(st, catalog.WithClock(a.now))
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create catalog", err)
	}
	if err := a.catalog.Load(ctx); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	return a, nil
}

// Close releases the database and the log file.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
	_ = a.logs.Close()
}

func (a *app) now() time.Time {
	if a.opts.Now != nil {
		return a.opts.Now()
	}
	return time.Now()
}

// seedCredentials stores credentials from the config. Unchanged ones are
// left alone so their auth backoff survives a restart.
func (a *app) seedCredentials(ctx context.Context) error {
	for _, cc := range a.cfg.Credentials {
		cred := cc.Ledger()
		existing, err := a.creds.Get(ctx, cred.ClubID)
		if err == nil && existing == cred {
			continue
		}
		if err != nil && !errors.Is(err, credential.ErrNotConfigured) {
			return err
		}
		if err := a.creds.Set(ctx, cred); err != nil {
			return err
		}
	}
	return nil
}

// remote builds the client for cred.
func (a *app) remote(cred ledger.Credential) Remote {
	if a.opts.Remote != nil {
		return a.opts.Remote(cred)
	}
	return vereinsflieger.New(cred,
		vereinsflieger.WithBaseURL(a.cfg.Remote.BaseURL),
		vereinsflieger.WithHTTPClient(&http.Client{Timeout: a.cfg.Remote.Timeout}),
		vereinsflieger.WithLocation(a.loc),
	)
}

// clubID returns the configured club, or the only club with a credential.
func (a *app) clubID(ctx context.Context) (int, error) {
	if a.cfg.ClubID > 0 {
		return a.cfg.ClubID, nil
	}
	clubs, err := a.creds.Clubs(ctx)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to list clubs", err)
	}
	switch len(clubs) {
	case 0:
		return 0, NewExitError(ExitCommandError, "no club configured: run 'clubfridge setup' or set club_id")
	case 1:
		return clubs[0], nil
	default:
		return 0, NewExitError(ExitCommandError, "several clubs configured: set club_id to choose one")
	}
}

// source returns the catalog source for the selected club.
func (a *app) source(ctx context.Context) (catalog.Source, error) {
	club, err := a.clubID(ctx)
	if err != nil {
		return nil, err
	}
	cred, err := a.creds.Get(ctx, club)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "no credential for the selected club", err)
	}
	return a.remote(cred), nil
}

// requireOnline rejects commands that need the remote in offline mode.
func (a *app) requireOnline(what string) error {
	if a.cfg.Offline {
		return NewExitError(ExitCommandError, what+" is disabled in offline mode")
	}
	return nil
}

func (a *app) newEngine() *syncer.Engine {
	s := a.cfg.Sync
	return syncer.New(a.store,
		func(cred ledger.Credential) syncer.Remote { return a.remote(cred) },
		syncer.WithClock(a.now),
		syncer.WithInterval(s.Interval),
		syncer.WithBatchSize(s.BatchSize),
		syncer.WithRequestTimeout(s.RequestTimeout),
		syncer.WithRetry(syncer.Backoff{Base: s.RetryBase, Max: s.RetryMax}),
		syncer.WithAuthRetry(syncer.Backoff{Base: s.AuthRetryBase, Max: s.AuthRetryMax}),
		syncer.WithEscalateAfter(s.EscalateAfter),
	)
}

// newRecorder builds the write path. notifier may be nil.
func (a *app) newRecorder(clubID int, notifier recorder.Notifier) *recorder.Recorder {
	opts := []recorder.Option{
		recorder.WithClock(a.now),
		recorder.WithLocation(a.loc),
	}
	if a.opts.IDs != nil {
		opts = append(opts, recorder.WithIDGenerator(a.opts.IDs))
	}
	if notifier != nil {
		opts = append(opts, recorder.WithNotifier(notifier))
	}
	return recorder.New(a.catalog, a.store, clubID, opts...)
}

func (a *app) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    a.opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   a.opts.Verbose,
	}
}

// commandContext returns the command's context, or a background context
// when run outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
