package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/credential"
	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/recorder"
	"github.com/clubfridge/kiosk/internal/store"
	"github.com/clubfridge/kiosk/internal/syncer"
	"github.com/clubfridge/kiosk/internal/testutil"
)

// DefaultStart is the wall clock a scenario starts at unless it sets one.
var DefaultStart = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// Outcome codes of steps that did not succeed and are not sale errors.
const (
	OutcomeRefreshFailed     = "CATALOG_REFRESH_FAILED"
	OutcomeInvalidCredential = "INVALID_CREDENTIAL"
	OutcomeSyncFailed        = "SYNC_FAILED"
)

var injectedFailures = map[string]error{
	"transient":  fmt.Errorf("injected failure: %w", ledger.ErrNetworkTransient),
	"auth":       fmt.Errorf("injected failure: %w", ledger.ErrAuthRejected),
	"validation": fmt.Errorf("injected failure: %w", ledger.ErrValidationRejected),
}

// Harness executes one scenario. Everything but the remote is real: an
// in-memory store, the catalog cache, one recorder per club and the sync
// engine.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	server   *testutil.FakeServer
	clock    *testutil.FakeClock
	ids      *testutil.SequentialGenerator
	cache    *catalog.Cache
	creds    *credential.Manager

	recorders map[int]*recorder.Recorder
	engine    *syncer.Engine // nil between crash and restart
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Open the store, load the scenario catalog and credentials
//  2. Execute steps in order, checking expect clauses and invariants
//  3. Evaluate assertions against the final state
//
// A returned error means the scenario could not be executed at all; failed
// expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	result := NewResult()
	for i := range scenario.Steps {
		step := &scenario.Steps[i]
		ev, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.action(), err)
		}
		result.addEvent(ev)

		for _, msg := range checkExpect(ev, step.Expect) {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i, ev.Action, msg))
		}

		violations, err := CheckInvariants(ctx, h.store, h.server.Entries())
		if err != nil {
			return nil, fmt.Errorf("step %d: check invariants: %w", i, err)
		}
		for _, v := range violations {
			result.AddError(fmt.Sprintf("step %d (%s): invariant violated: %s", i, ev.Action, v))
		}

		slog.Debug("scenario step completed",
			"scenario", scenario.Name,
			"step", i,
			"action", ev.Action,
			"outcome", ev.Outcome,
		)
	}

	for _, e := range h.server.Entries() {
		result.Remote = append(result.Remote, e.ID)
	}

	actx := &AssertionContext{
		Store:  h.store,
		Server: h.server,
		Status: h.status(),
		Ctx:    ctx,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	start, err := scenario.startTime()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	h := &Harness{
		scenario:  scenario,
		store:     st,
		server:    testutil.NewFakeServer(),
		clock:     testutil.NewFakeClock(start),
		ids:       testutil.NewSequentialGenerator("sale"),
		creds:     credential.NewManager(st),
		recorders: make(map[int]*recorder.Recorder),
	}

	h.cache, err = catalog.New(st, catalog.WithClock(h.clock.Now))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create catalog cache: %w", err)
	}

	h.server.SetCatalog(scenario.Catalog.remote())
	if len(scenario.Catalog.Articles) > 0 || len(scenario.Catalog.Members) > 0 {
		if _, err := h.cache.RefreshFrom(ctx, h.server); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load scenario catalog: %w", err)
		}
	}

	for _, c := range scenario.Credentials {
		if err := h.creds.Set(ctx, c.ledger()); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to store credential for club %d: %w", c.ClubID, err)
		}
	}

	h.engine = h.newEngine()
	return h, nil
}

func (h *Harness) newEngine() *syncer.Engine {
	opts := []syncer.EngineOption{syncer.WithClock(h.clock.Now)}
	s := h.scenario.Sync
	if s.BatchSize > 0 {
		opts = append(opts, syncer.WithBatchSize(s.BatchSize))
	}
	if s.EscalateAfter > 0 {
		opts = append(opts, syncer.WithEscalateAfter(s.EscalateAfter))
	}
	if s.RetryBase != "" || s.RetryMax != "" {
		retry := syncer.DefaultRetry
		if d, err := time.ParseDuration(s.RetryBase); err == nil {
			retry.Base = d
		}
		if d, err := time.ParseDuration(s.RetryMax); err == nil {
			retry.Max = d
		}
		opts = append(opts, syncer.WithRetry(retry))
	}

	factory := func(cred ledger.Credential) syncer.Remote {
		return h.server.Remote(cred)
	}
	return syncer.New(h.store, factory, opts...)
}

// recorderFor returns the recorder of a club. Recorders live for the whole
// scenario, like the kiosk process that survives a sync engine restart.
func (h *Harness) recorderFor(clubID int) *recorder.Recorder {
	if r, ok := h.recorders[clubID]; ok {
		return r
	}
	r := recorder.New(h.cache, h.store, clubID,
		recorder.WithIDGenerator(h.ids),
		recorder.WithClock(h.clock.Now),
		recorder.WithLocation(time.UTC),
	)
	h.recorders[clubID] = r
	return r
}

func (h *Harness) status() syncer.Status {
	if h.engine == nil {
		return syncer.Status{State: syncer.StateUnknown}
	}
	return h.engine.Status()
}

// execute runs one step and returns its trace event. Errors are reserved for
// failures of the harness itself.
func (h *Harness) execute(ctx context.Context, index int, step *Step) (TraceEvent, error) {
	ev := TraceEvent{Step: index, Action: step.action(), Outcome: OutcomeOK}

	var err error
	switch ev.Action {
	case ActionSell:
		err = h.sell(ctx, step.Sell, &ev)
	case ActionSync:
		err = h.sync(ctx, &ev)
	case ActionAdvance:
		err = h.advance(step.Advance, &ev)
	case ActionRemote:
		h.remote(step.Remote, &ev)
	case ActionCredential:
		err = h.credential(ctx, *step.Credential, &ev)
	case ActionRefresh:
		err = h.refresh(ctx, step.Refresh, &ev)
	case ActionCrash:
		err = h.crash(ctx, step.Crash, &ev)
	case ActionRestart:
		err = h.restart(ctx, &ev)
	default:
		err = fmt.Errorf("exactly one action is required")
	}
	return ev, err
}

func (h *Harness) sell(ctx context.Context, s *SellStep, ev *TraceEvent) error {
	club := s.Club
	if club == 0 {
		club = h.scenario.defaultClub()
	}
	ev.Args = map[string]any{"club": club, "keycode": s.Keycode, "items": s.Items}

	items, err := parseItems(s.Items)
	if err != nil {
		return err
	}

	receipts, err := h.recorderFor(club).RecordBasket(ctx, s.Keycode, items)
	var serr *recorder.SaleError
	if errors.As(err, &serr) {
		ev.Outcome = string(serr.Code)
		return nil
	}
	if err != nil {
		return err
	}

	ids := make([]string, len(receipts))
	for i, r := range receipts {
		ids[i] = r.SaleID
	}
	ev.Result = map[string]any{"sales": ids}
	return nil
}

// parseItems converts "ARTICLE" and "ARTICLE:QUANTITY" to basket lines.
func parseItems(raw []string) ([]recorder.Item, error) {
	items := make([]recorder.Item, len(raw))
	for i, r := range raw {
		id, qty, found := strings.Cut(r, ":")
		items[i] = recorder.Item{ArticleID: id, Quantity: 1}
		if !found {
			continue
		}
		n, err := strconv.Atoi(qty)
		if err != nil {
			return nil, fmt.Errorf("item %q: invalid quantity: %w", r, err)
		}
		items[i].Quantity = n
	}
	return items, nil
}

func (h *Harness) sync(ctx context.Context, ev *TraceEvent) error {
	if h.engine == nil {
		return fmt.Errorf("sync engine is down, add a restart step after crash")
	}

	res, err := h.engine.RunCycle(ctx)
	if err != nil {
		ev.Outcome = OutcomeSyncFailed
		ev.Result = map[string]any{"error": err.Error()}
		return nil
	}

	status := h.engine.Status()
	ev.Result = map[string]any{
		"due":        res.Due,
		"synced":     res.Synced,
		"reconciled": res.Reconciled,
		"transient":  res.Transient,
		"rejected":   res.Rejected,
		"pending":    status.Pending,
		"state":      string(status.State),
	}
	if len(res.AuthFailed) > 0 {
		ev.Result["auth_failed"] = res.AuthFailed
	}
	if len(res.Skipped) > 0 {
		ev.Result["skipped"] = res.Skipped
	}
	if len(res.Held) > 0 {
		ev.Result["held"] = res.Held
	}
	return nil
}

func (h *Harness) advance(raw string, ev *TraceEvent) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	now := h.clock.Advance(d)
	ev.Args = map[string]any{"duration": raw}
	ev.Result = map[string]any{"now": now.UTC().Format(time.RFC3339)}
	return nil
}

func (h *Harness) remote(r *RemoteStep, ev *TraceEvent) {
	ev.Args = map[string]any{}
	if r.Offline != nil {
		h.server.SetOffline(*r.Offline)
		ev.Args["offline"] = *r.Offline
	}
	if r.LoseAcks > 0 {
		h.server.LoseAcks(r.LoseAcks)
		ev.Args["lose_acks"] = r.LoseAcks
	}
	if len(r.Fail) > 0 {
		errs := make([]error, len(r.Fail))
		for i, f := range r.Fail {
			errs[i] = injectedFailures[f]
		}
		h.server.FailNext(errs...)
		ev.Args["fail"] = r.Fail
	}
	if r.Password != nil {
		h.server.AcceptPassword(r.Password.Club, r.Password.Value)
		ev.Args["password_club"] = r.Password.Club
	}
}

func (h *Harness) credential(ctx context.Context, c CredentialFixture, ev *TraceEvent) error {
	ev.Args = map[string]any{"club_id": c.ClubID, "username": c.Username}

	err := h.creds.Set(ctx, c.ledger())
	if errors.Is(err, credential.ErrInvalid) {
		ev.Outcome = OutcomeInvalidCredential
		return nil
	}
	return err
}

func (h *Harness) refresh(ctx context.Context, r *RefreshStep, ev *TraceEvent) error {
	if r.Catalog != nil {
		h.server.SetCatalog(r.Catalog.remote())
		ev.Args = map[string]any{
			"articles": len(r.Catalog.Articles),
			"members":  len(r.Catalog.Members),
		}
	}

	refresher, err := catalog.NewRefresher(h.cache, h.server, catalog.DefaultSchedule, 0)
	if err != nil {
		return err
	}
	res, err := refresher.RefreshNow(ctx)
	if errors.Is(err, ledger.ErrCatalogRefreshFailed) {
		ev.Outcome = OutcomeRefreshFailed
		ev.Result = map[string]any{"generation": h.cache.Snapshot().Generation()}
		return nil
	}
	if err != nil {
		return err
	}

	ev.Result = map[string]any{
		"generation": res.Generation,
		"changed":    res.Changed,
		"articles":   res.Articles,
		"members":    res.Members,
		"dropped":    res.Dropped,
	}
	return nil
}

// crash claims sales as a sync cycle would, optionally lets the remote book
// some of them and then drops the engine without acknowledging anything.
func (h *Harness) crash(ctx context.Context, c *CrashStep, ev *TraceEvent) error {
	ev.Args = map[string]any{"claim": c.Claim}
	if len(c.Delivered) > 0 {
		ev.Args["delivered"] = c.Delivered
	}

	claimed, err := h.store.MarkSyncing(ctx, c.Claim)
	if err != nil {
		return err
	}

	for _, id := range c.Delivered {
		sale, err := h.store.ReadSale(ctx, id)
		if err != nil {
			return fmt.Errorf("delivered sale %s: %w", id, err)
		}
		cred, err := h.creds.Get(ctx, sale.ClubID)
		if err != nil {
			return err
		}
		if err := h.server.Remote(cred).SubmitSale(ctx, sale); err != nil {
			return fmt.Errorf("deliver sale %s: %w", id, err)
		}
	}

	// The dead process cannot renew its lease; the restarted kiosk takes
	// it over.
	if h.engine != nil {
		if err := h.store.ReleaseSyncLease(ctx, h.engine.Owner()); err != nil {
			return err
		}
	}
	h.engine = nil
	ev.Result = map[string]any{"claimed": claimed}
	return nil
}

// restart starts a new engine the way the kiosk does at boot.
func (h *Harness) restart(ctx context.Context, ev *TraceEvent) error {
	counts, err := h.store.CountSales(ctx)
	if err != nil {
		return err
	}

	h.engine = h.newEngine()
	if err := h.engine.Recover(ctx); err != nil {
		return err
	}
	ev.Result = map[string]any{"recovered": counts.Syncing}
	return nil
}

// checkExpect compares a trace event with the step's expectation. Without an
// expectation the step must succeed.
func checkExpect(ev TraceEvent, expect *Expect) []string {
	want := OutcomeOK
	if expect != nil && expect.Outcome != "" {
		want = expect.Outcome
	}

	var errs []string
	if ev.Outcome != want {
		errs = append(errs, fmt.Sprintf("expected outcome %q, got %q", want, ev.Outcome))
	}
	if expect == nil {
		return errs
	}
	for _, msg := range matchFields(ev.Result, expect.Result) {
		errs = append(errs, "result: "+msg)
	}
	return errs
}
