package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule refreshes the catalog every six hours.
const DefaultSchedule = "@every 6h"

// Refresher pulls the remote catalog on a cron schedule.
type Refresher struct {
	cache    *Cache
	source   Source
	schedule cron.Schedule
	spec     string
	timeout  time.Duration

	onReconnect func()
	failing     atomic.Bool
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithReconnectHook sets a function called when a refresh succeeds after a
// failed one, i.e. when the remote is reachable again.
func WithReconnectHook(fn func()) RefresherOption {
	return func(r *Refresher) { r.onReconnect = fn }
}

// NewRefresher creates a refresher. spec is a standard cron expression or a
// descriptor such as "@every 6h". timeout bounds a single fetch and apply;
// zero means no bound.
func NewRefresher(cache *Cache, source Source, spec string, timeout time.Duration, opts ...RefresherOption) (*Refresher, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse catalog schedule %q: %w", spec, err)
	}
	r := &Refresher{
		cache:    cache,
		source:   source,
		schedule: schedule,
		spec:     spec,
		timeout:  timeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RefreshNow runs one refresh. Failures are logged and returned; the cache
// keeps serving the previous generation.
func (r *Refresher) RefreshNow(ctx context.Context) (RefreshResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.cache.RefreshFrom(ctx, r.source)
	if err != nil {
		r.failing.Store(true)
		slog.Warn("catalog refresh failed, keeping previous catalog",
			"generation", r.cache.Snapshot().Generation(),
			"error", err,
		)
		return RefreshResult{}, err
	}
	if r.failing.Swap(false) && r.onReconnect != nil {
		slog.Info("remote reachable again")
		r.onReconnect()
	}
	return result, nil
}

// Run refreshes once immediately and then on every scheduled tick until ctx
// is cancelled. Ticks that fire while a refresh is still running are skipped.
func (r *Refresher) Run(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	c.Schedule(r.schedule, cron.FuncJob(func() {
		r.RefreshNow(ctx)
	}))

	slog.Info("catalog refresher starting", "schedule", r.spec)
	r.RefreshNow(ctx)

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	slog.Info("catalog refresher stopped")
	return nil
}

// cronLogger forwards cron's logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
