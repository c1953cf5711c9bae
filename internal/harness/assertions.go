package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
	"github.com/clubfridge/kiosk/internal/syncer"
	"github.com/clubfridge/kiosk/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %v -> %s %v\n", ev.Step, ev.Action, ev.Args, ev.Outcome, ev.Result)
	}

	return buf.String()
}

// AssertionContext provides the final state assertions are evaluated on.
type AssertionContext struct {
	Store  *store.Store
	Server *testutil.FakeServer
	Status syncer.Status
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertRemoteCount:
			err = assertRemoteCount(actx.Server, assertion)
		case AssertRemoteOrder:
			err = assertRemoteOrder(result.Remote, assertion)
		case AssertSaleState:
			err = assertSaleState(actx.Ctx, actx.Store, assertion)
		case AssertLedgerCount:
			err = assertLedgerCount(actx.Ctx, actx.Store, assertion)
		case AssertStatus:
			err = assertStatus(actx.Status, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}

		if err != nil {
			if ae, ok := err.(*AssertionError); ok {
				ae.Trace = result.Trace
			}
			errors = append(errors, fmt.Sprintf("assertion %d (%s): %v", i, assertion.Type, err))
		}
	}

	return errors
}

func assertRemoteCount(server *testutil.FakeServer, a Assertion) error {
	if n := server.EntriesFor(a.Sale); n != a.Count {
		return &AssertionError{
			Type:     AssertRemoteCount,
			Expected: fmt.Sprintf("sale %s booked %d time(s)", a.Sale, a.Count),
			Actual:   fmt.Sprintf("booked %d time(s)", n),
		}
	}
	return nil
}

func assertRemoteOrder(booked []string, a Assertion) error {
	if fmt.Sprint(booked) != fmt.Sprint(a.Sales) {
		return &AssertionError{
			Type:     AssertRemoteOrder,
			Expected: fmt.Sprint(a.Sales),
			Actual:   fmt.Sprint(booked),
		}
	}
	return nil
}

func assertSaleState(ctx context.Context, st *store.Store, a Assertion) error {
	sale, err := st.ReadSale(ctx, a.Sale)
	if err != nil {
		return err
	}
	if mismatches := matchFields(saleFields(sale), a.Expect); len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertSaleState,
			Expected: fmt.Sprintf("sale %s with %v", a.Sale, a.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

// assertLedgerCount counts ledger entries, filtered by the optional
// sync_state and club_id keys of Expect.
func assertLedgerCount(ctx context.Context, st *store.Store, a Assertion) error {
	var q store.SaleQuery
	for key, val := range a.Expect {
		switch key {
		case "sync_state":
			state, err := ledger.ParseSyncState(fmt.Sprint(val))
			if err != nil {
				return err
			}
			q.State = state
		case "club_id":
			n, ok := val.(int)
			if !ok {
				return fmt.Errorf("club_id must be an integer, got %v", val)
			}
			q.ClubID = n
		default:
			return fmt.Errorf("unsupported ledger_count filter %q", key)
		}
	}

	sales, err := st.ScanSales(ctx, q)
	if err != nil {
		return err
	}
	if len(sales) != a.Count {
		return &AssertionError{
			Type:     AssertLedgerCount,
			Expected: fmt.Sprintf("%d sale(s) matching %v", a.Count, a.Expect),
			Actual:   fmt.Sprintf("%d sale(s)", len(sales)),
		}
	}
	return nil
}

func assertStatus(status syncer.Status, a Assertion) error {
	if mismatches := matchFields(statusFields(status), a.Expect); len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprint(a.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	want := a.Outcome
	count := 0
	for _, ev := range trace {
		if ev.Action == a.Action && (want == "" || ev.Outcome == want) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s step(s) with outcome %q", a.Count, a.Action, want),
			Actual:   fmt.Sprintf("%d step(s)", count),
		}
	}
	return nil
}

func saleFields(s ledger.Sale) map[string]any {
	return map[string]any{
		"club_id":         s.ClubID,
		"member_id":       s.MemberID,
		"article_id":      s.ArticleID,
		"amount":          s.Amount,
		"unit_price":      s.UnitPrice.String(),
		"total":           s.Total.String(),
		"sync_state":      string(s.SyncState),
		"attempts":        s.Attempts,
		"needs_reconcile": s.NeedsReconcile,
		"has_error":       s.LastError != "",
	}
}

func statusFields(s syncer.Status) map[string]any {
	clubs := s.AuthRejectedClubs
	if clubs == nil {
		clubs = []int{}
	}
	return map[string]any{
		"state":                string(s.State),
		"pending":              s.Pending,
		"consecutive_failures": s.ConsecutiveFailures,
		"escalated":            s.Escalated,
		"auth_rejected_clubs":  clubs,
	}
}

// matchFields checks that actual contains every expected field (subset
// match) and returns one message per mismatch, sorted by field name.
func matchFields(actual, expected map[string]any) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("missing field %q", k))
			continue
		}
		if !valuesEqual(got, expected[k]) {
			mismatches = append(mismatches, fmt.Sprintf("field %q: expected %v, got %v", k, expected[k], got))
		}
	}
	return mismatches
}

// valuesEqual compares by printed form, so YAML's []any{1} matches []int{1}
// and the int 1 matches uint64(1).
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}
