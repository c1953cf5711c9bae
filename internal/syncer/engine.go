package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
)

// Defaults for Engine options.
const (
	DefaultInterval       = 10 * time.Minute
	DefaultBatchSize      = 20
	DefaultRequestTimeout = 30 * time.Second
	DefaultEscalateAfter  = 6
)

var (
	DefaultRetry     = Backoff{Base: time.Minute, Max: time.Hour}
	DefaultAuthRetry = Backoff{Base: time.Hour, Max: 24 * time.Hour}
)

// Engine pushes unsynced sales to the remote.
//
// Thread-safety model:
//   - Kick(), Status(): safe from any goroutine
//   - RunCycle(): safe from any goroutine; cycles are serialized
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	store   *store.Store
	factory RemoteFactory
	now     func() time.Time

	interval       time.Duration
	batchSize      int
	requestTimeout time.Duration
	retry          Backoff
	authRetry      Backoff
	escalateAfter  int

	owner      string
	leaseTTL   time.Duration
	holderGone func(holder string) bool

	kick chan struct{} // buffered, size 1

	cycleMu      sync.Mutex
	remotes      map[int]remoteEntry
	authRejected map[int]bool

	statusMu sync.Mutex
	status   Status
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithInterval sets the period between cycles in Run.
//
// Default: 10 minutes (DefaultInterval)
func WithInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.interval = d }
}

// WithBatchSize sets how many sales are claimed at once.
//
// Default: 20 (DefaultBatchSize)
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) { e.batchSize = n }
}

// WithRequestTimeout bounds each remote request.
//
// Default: 30 seconds (DefaultRequestTimeout)
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.requestTimeout = d }
}

// WithRetry sets the per-sale backoff for transient and validation failures.
func WithRetry(b Backoff) EngineOption {
	return func(e *Engine) { e.retry = b }
}

// WithAuthRetry sets the per-club backoff after a rejected credential. It
// should be much slower than WithRetry.
func WithAuthRetry(b Backoff) EngineOption {
	return func(e *Engine) { e.authRetry = b }
}

// WithEscalateAfter sets how many consecutive failed cycles escalate the
// status. Zero disables escalation by failure count.
func WithEscalateAfter(n int) EngineOption {
	return func(e *Engine) { e.escalateAfter = n }
}

// WithLeaseTTL sets how long the sync lease outlives its last renewal. The
// lease is renewed before every batch.
//
// Default: twice the interval plus two request timeouts per batch item
func WithLeaseTTL(d time.Duration) EngineOption {
	return func(e *Engine) { e.leaseTTL = d }
}

// WithOwner sets the name used in the sync lease.
func WithOwner(owner string) EngineOption {
	return func(e *Engine) { e.owner = owner }
}

// New creates an Engine over the given store. factory builds one remote
// client per club credential.
func New(s *store.Store, factory RemoteFactory, opts ...EngineOption) *Engine {
	e := &Engine{
		store:          s,
		factory:        factory,
		now:            time.Now,
		interval:       DefaultInterval,
		batchSize:      DefaultBatchSize,
		requestTimeout: DefaultRequestTimeout,
		retry:          DefaultRetry,
		authRetry:      DefaultAuthRetry,
		escalateAfter:  DefaultEscalateAfter,
		holderGone:     holderGone,
		kick:           make(chan struct{}, 1),
		remotes:        make(map[int]remoteEntry),
		authRejected:   make(map[int]bool),
		status:         Status{State: StateUnknown},
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.batchSize < 1 {
		e.batchSize = 1
	}
	if e.owner == "" {
		e.owner = newOwner()
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = 2*e.interval + 2*time.Duration(e.batchSize)*e.requestTimeout
	}
	return e
}

// Kick asks Run to start a cycle soon. Never blocks; kicks that arrive
// while one is pending are coalesced.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run recovers sales left in flight by a previous process, runs a cycle
// immediately and then after every interval, Kick, or scheduled retry of a
// failed sale until ctx is cancelled. While another process holds the sync
// lease, Run waits and tries again on the next wakeup. The lease is released
// on return.
//
// ERROR HANDLING: a failed cycle is logged and the loop continues. Every
// failure has been recorded on the affected sales, so the next cycle
// retries them according to their backoff.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("sync engine starting", "interval", e.interval, "batch_size", e.batchSize, "owner", e.owner)
	defer func() {
		if err := e.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to release sync lease", "error", err)
		}
	}()

	recovered := false
	for {
		if !recovered {
			err := e.Recover(ctx)
			switch {
			case err == nil:
				recovered = true
			case errors.Is(err, store.ErrLeaseHeld):
				slog.Warn("another process is syncing, waiting", "error", err)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return err
			}
		}

		if recovered {
			_, err := e.RunCycle(ctx)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, store.ErrLeaseHeld):
				slog.Warn("sync lease lost to another process", "error", err)
				recovered = false
			default:
				slog.Error("sync cycle failed", "error", err)
			}
		}

		timer := time.NewTimer(e.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("sync engine stopping: context cancelled")
			return ctx.Err()
		case <-timer.C:
		case <-e.kick:
			timer.Stop()
		}
	}
}

// nextWait returns how long Run sleeps: the interval, or less when a failed
// sale is due for its retry sooner.
func (e *Engine) nextWait(ctx context.Context) time.Duration {
	now := e.now()
	next, err := e.store.NextRetryAt(ctx, now)
	if err != nil || next.IsZero() {
		return e.interval
	}
	wait := next.Sub(now)
	return min(max(wait, time.Second), e.interval)
}

// Recover returns sales left in syncing by a crash to unsynced, flagged for
// reconciliation. It first takes the sync lease, so sales another live
// process has in flight are never touched; that case fails with
// store.ErrLeaseHeld.
func (e *Engine) Recover(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if err := e.holdLease(ctx); err != nil {
		return fmt.Errorf("recover in-flight sales: %w", err)
	}

	n, err := e.store.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight sales: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered sales left in flight", "count", n)
	}
	return nil
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Due        int
	Synced     int
	Reconciled int // synced because the remote already had them
	Transient  int
	Rejected   int // validation rejections
	AuthFailed []int
	Skipped    []int // clubs paused by auth backoff
	Held       []int // clubs waiting for an earlier sale's retry
	LastError  string
}

func (r *CycleResult) fail(err error) {
	r.LastError = err.Error()
}

// RunCycle synchronizes every sale that is due now. Clubs are processed in
// ascending club id; within a club sales keep ledger order. Fails with
// store.ErrLeaseHeld while another process holds the sync lease.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	now := e.now()
	var res CycleResult

	if err := e.holdLease(ctx); err != nil {
		return res, fmt.Errorf("sync cycle: %w", err)
	}

	due, err := e.store.ReadDueSales(ctx, now, 0)
	if err != nil {
		return res, fmt.Errorf("sync cycle: %w", err)
	}
	res.Due = len(due)

	byClub := make(map[int][]ledger.Sale)
	for _, s := range due {
		byClub[s.ClubID] = append(byClub[s.ClubID], s)
	}
	clubs := make([]int, 0, len(byClub))
	for id := range byClub {
		clubs = append(clubs, id)
	}
	sort.Ints(clubs)

	var cycleErr error
	for _, clubID := range clubs {
		if ctx.Err() != nil {
			break
		}
		if err := e.syncClub(ctx, clubID, byClub[clubID], &res); err != nil {
			cycleErr = err
			break
		}
	}

	counts, err := e.store.CountSales(context.WithoutCancel(ctx))
	if err != nil && cycleErr == nil {
		cycleErr = fmt.Errorf("sync cycle: %w", err)
	}
	e.recordCycle(e.now(), res, counts.Unsynced+counts.Syncing, counts.OldestUnsynced)

	if res.Due > 0 {
		slog.Info("sync cycle finished",
			"due", res.Due,
			"synced", res.Synced,
			"reconciled", res.Reconciled,
			"transient", res.Transient,
			"rejected", res.Rejected,
			"auth_failed", res.AuthFailed,
			"skipped", res.Skipped,
			"held", res.Held,
		)
	}
	return res, cycleErr
}

// syncClub pushes one club's due sales batch by batch. Returns an error only
// for store failures; remote failures are recorded on the sales.
func (e *Engine) syncClub(ctx context.Context, clubID int, sales []ledger.Sale, res *CycleResult) error {
	now := e.now()

	state, err := e.store.ReadClubSyncState(ctx, clubID)
	if err != nil {
		return fmt.Errorf("sync club %d: %w", clubID, err)
	}
	if state.NextAuthAttemptAt.After(now) {
		slog.Debug("club paused after auth failure",
			"club", clubID,
			"until", state.NextAuthAttemptAt,
			"failures", state.AuthFailures,
		)
		e.authRejected[clubID] = true
		res.Skipped = append(res.Skipped, clubID)
		return nil
	}
	if state.RetryAt.After(now) {
		slog.Debug("club held until an earlier sale is due", "club", clubID, "until", state.RetryAt)
		res.Held = append(res.Held, clubID)
		return nil
	}

	cred, err := e.store.ReadCredential(ctx, clubID)
	if errors.Is(err, store.ErrNotFound) {
		serr := &SyncError{Code: ErrCodeMissingCredential, ClubID: clubID, Err: err}
		return e.pauseClub(ctx, clubID, serr, res)
	}
	if err != nil {
		return fmt.Errorf("sync club %d: %w", clubID, err)
	}
	remote := e.remoteFor(cred)

	for start := 0; start < len(sales); start += e.batchSize {
		if ctx.Err() != nil {
			return nil
		}
		if start > 0 {
			if err := e.holdLease(ctx); err != nil {
				return fmt.Errorf("sync club %d: %w", clubID, err)
			}
		}
		end := min(start+e.batchSize, len(sales))

		stop, err := e.syncBatch(context.WithoutCancel(ctx), clubID, &state, remote, sales[start:end], res)
		if err != nil || stop {
			return err
		}
	}

	return e.clubHealthy(ctx, clubID, &state)
}

// clubHealthy clears the club's auth backoff and hold once the remote has
// accepted one of its requests.
func (e *Engine) clubHealthy(ctx context.Context, clubID int, state *store.ClubSyncState) error {
	delete(e.authRejected, clubID)
	if state.AuthFailures == 0 && state.RetryAt.IsZero() {
		return nil
	}
	if err := e.store.ClearAuthFailures(ctx, clubID); err != nil {
		return fmt.Errorf("sync club %d: %w", clubID, err)
	}
	*state = store.ClubSyncState{ClubID: clubID}
	return nil
}

// syncBatch claims and sends one batch. ctx is detached from cancellation.
// stop is true when the rest of the club's sales must wait.
func (e *Engine) syncBatch(ctx context.Context, clubID int, state *store.ClubSyncState, remote Remote, batch []ledger.Sale, res *CycleResult) (stop bool, err error) {
	ids := make([]string, len(batch))
	for i, s := range batch {
		ids[i] = s.ID
	}
	claimed, err := e.store.MarkSyncing(ctx, ids)
	if err != nil {
		return true, fmt.Errorf("claim batch: %w", err)
	}
	isClaimed := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		isClaimed[id] = true
	}

	pending := make([]ledger.Sale, 0, len(claimed))
	for _, s := range batch {
		if isClaimed[s.ID] {
			pending = append(pending, s)
		}
	}

	for i, sale := range pending {
		reconciled, err := e.syncSale(ctx, remote, sale)
		if err == nil {
			if err := e.store.MarkSynced(ctx, sale.ID, e.now()); err != nil {
				return true, fmt.Errorf("acknowledge sale %s: %w", sale.ID, err)
			}
			res.Synced++
			if reconciled {
				res.Reconciled++
			}
			if err := e.clubHealthy(ctx, clubID, state); err != nil {
				return true, err
			}
			continue
		}

		serr := newSyncError(clubID, sale.ID, err)
		res.fail(serr)
		rest := pending[i+1:]

		switch serr.Code {
		case ErrCodeValidationRejected:
			res.Rejected++
			slog.Warn("sale rejected by remote", "club", clubID, "sale", sale.ID, "error", err)
			if err := e.markRejected(ctx, sale, serr); err != nil {
				return true, err
			}

		case ErrCodeAuthRejected:
			next, err := e.recordAuthFailure(ctx, clubID, serr, res)
			if err != nil {
				return true, err
			}
			if err := e.store.MarkUnsynced(ctx, sale.ID, store.SyncFailure{
				NextAttemptAt: next,
				Error:         serr.Error(),
			}); err != nil {
				return true, fmt.Errorf("record failure of sale %s: %w", sale.ID, err)
			}
			return true, e.release(ctx, rest, next)

		default:
			res.Transient++
			slog.Warn("sale sync failed, will retry", "club", clubID, "sale", sale.ID, "attempts", sale.Attempts+1, "error", err)
			next := e.now().Add(e.retry.Delay(sale.Attempts + 1))
			if err := e.store.MarkUnsynced(ctx, sale.ID, store.SyncFailure{
				NextAttemptAt:  next,
				Error:          serr.Error(),
				NeedsReconcile: true,
			}); err != nil {
				return true, fmt.Errorf("record failure of sale %s: %w", sale.ID, err)
			}
			if err := e.store.HoldClub(ctx, clubID, next); err != nil {
				return true, err
			}
			return true, e.release(ctx, rest, next)
		}
	}
	return false, nil
}

// syncSale delivers one sale. A sale whose earlier outcome is unknown is
// looked up first; reconciled reports that the remote already had it.
func (e *Engine) syncSale(ctx context.Context, remote Remote, sale ledger.Sale) (reconciled bool, err error) {
	if sale.NeedsReconcile {
		found, err := e.lookup(ctx, remote, sale)
		if err != nil {
			return false, err
		}
		if found {
			slog.Info("sale already booked remotely", "sale", sale.ID)
			return true, nil
		}
	}
	return false, e.submit(ctx, remote, sale)
}

func (e *Engine) lookup(ctx context.Context, remote Remote, sale ledger.Sale) (bool, error) {
	rctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	return remote.LookupSale(rctx, sale)
}

func (e *Engine) submit(ctx context.Context, remote Remote, sale ledger.Sale) error {
	rctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	return remote.SubmitSale(rctx, sale)
}

// markRejected schedules a rejected sale for a later retry. The remote
// answered, so the outcome is known and no reconciliation is needed.
func (e *Engine) markRejected(ctx context.Context, sale ledger.Sale, serr *SyncError) error {
	err := e.store.MarkUnsynced(ctx, sale.ID, store.SyncFailure{
		NextAttemptAt: e.now().Add(e.retry.Delay(sale.Attempts + 1)),
		Error:         serr.Error(),
	})
	if err != nil {
		return fmt.Errorf("record failure of sale %s: %w", sale.ID, err)
	}
	return nil
}

func (e *Engine) release(ctx context.Context, rest []ledger.Sale, next time.Time) error {
	if len(rest) == 0 {
		return nil
	}
	ids := make([]string, len(rest))
	for i, s := range rest {
		ids[i] = s.ID
	}
	if err := e.store.ReleaseSyncing(ctx, ids, next); err != nil {
		return fmt.Errorf("release batch: %w", err)
	}
	return nil
}

// recordAuthFailure persists the club's auth backoff and returns when the
// club may be tried again.
func (e *Engine) recordAuthFailure(ctx context.Context, clubID int, serr *SyncError, res *CycleResult) (time.Time, error) {
	now := e.now()
	state, err := e.store.RecordAuthFailure(ctx, clubID, serr.Error(), func(failures int) time.Time {
		return now.Add(e.authRetry.Delay(failures))
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("record auth failure of club %d: %w", clubID, err)
	}

	e.authRejected[clubID] = true
	res.AuthFailed = append(res.AuthFailed, clubID)
	slog.Error("club credential rejected, pausing sync",
		"club", clubID,
		"failures", state.AuthFailures,
		"until", state.NextAuthAttemptAt,
		"error", serr.Err,
	)
	return state.NextAuthAttemptAt, nil
}

// pauseClub handles a club that cannot be tried at all this cycle.
func (e *Engine) pauseClub(ctx context.Context, clubID int, serr *SyncError, res *CycleResult) error {
	res.fail(serr)
	_, err := e.recordAuthFailure(ctx, clubID, serr, res)
	return err
}
