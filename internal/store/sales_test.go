package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/clubfridge/kiosk/internal/ledger"
)

func TestAppendSale_AssignsSeqAndUnsynced(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	first, err := s.AppendSale(ctx, createTestSale("sale-1", 0))
	if err != nil {
		t.Fatalf("AppendSale() failed: %v", err)
	}
	second, err := s.AppendSale(ctx, createTestSale("sale-2", time.Second))
	if err != nil {
		t.Fatalf("AppendSale() failed: %v", err)
	}

	if first.Seq <= 0 || second.Seq <= first.Seq {
		t.Errorf("seq not increasing: %d, %d", first.Seq, second.Seq)
	}
	if first.SyncState != ledger.SyncStateUnsynced {
		t.Errorf("SyncState = %q, want unsynced", first.SyncState)
	}

	got, err := s.ReadSale(ctx, "sale-1")
	if err != nil {
		t.Fatalf("ReadSale() failed: %v", err)
	}
	if !got.Date.Equal(testEpoch) {
		t.Errorf("Date = %v, want %v", got.Date, testEpoch)
	}
	if got.UnitPrice.String() != "2.5" || got.Total.String() != "2.5" {
		t.Errorf("prices = %s / %s, want 2.5 / 2.5", got.UnitPrice, got.Total)
	}
	if got.SyncState != ledger.SyncStateUnsynced || got.Attempts != 0 || got.NeedsReconcile {
		t.Errorf("unexpected sync marker: %+v", got)
	}
}

func TestAppendSale_DuplicateID(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	if _, err := s.AppendSale(ctx, createTestSale("sale-1", 0)); err != nil {
		t.Fatalf("AppendSale() failed: %v", err)
	}

	_, err := s.AppendSale(ctx, createTestSale("sale-1", time.Second))
	if !errors.Is(err, ErrDuplicateSale) {
		t.Fatalf("expected ErrDuplicateSale, got %v", err)
	}

	counts, err := s.CountSales(ctx)
	if err != nil {
		t.Fatalf("CountSales() failed: %v", err)
	}
	if counts.Unsynced != 1 {
		t.Errorf("Unsynced = %d, want 1", counts.Unsynced)
	}
}

func TestAppendSales_AllOrNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s, createTestSale("sale-1", 0))

	_, err := s.AppendSales(ctx, []ledger.Sale{
		createTestSale("sale-2", time.Second),
		createTestSale("sale-1", 2*time.Second),
	})
	if !errors.Is(err, ErrDuplicateSale) {
		t.Fatalf("expected ErrDuplicateSale, got %v", err)
	}

	if _, err := s.ReadSale(ctx, "sale-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("sale-2 should have been rolled back, got %v", err)
	}
}

func TestAppendSale_ConcurrentWriters(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendSale(ctx, createTestSale(fmt.Sprintf("sale-%02d", i), time.Duration(i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent AppendSale() failed: %v", err)
		}
	}

	sales, err := s.ScanSales(ctx, SaleQuery{})
	if err != nil {
		t.Fatalf("ScanSales() failed: %v", err)
	}
	if len(sales) != n {
		t.Fatalf("len(sales) = %d, want %d", len(sales), n)
	}
	for i := 1; i < len(sales); i++ {
		if sales[i].Seq <= sales[i-1].Seq {
			t.Errorf("sales not ordered by seq at %d", i)
		}
	}
}

func TestReadSale_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadSale(t.Context(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScanSales_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	other := createTestSale("sale-3", 3*time.Second)
	other.ClubID = 2
	other.MemberID = "M2"
	appended := mustAppend(t, s,
		createTestSale("sale-1", time.Second),
		createTestSale("sale-2", 2*time.Second),
		other,
	)
	if _, err := s.MarkSyncing(ctx, []string{"sale-2"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}

	tests := []struct {
		name  string
		query SaleQuery
		want  []string
	}{
		{"all", SaleQuery{}, []string{"sale-1", "sale-2", "sale-3"}},
		{"by state", SaleQuery{State: ledger.SyncStateUnsynced}, []string{"sale-1", "sale-3"}},
		{"by club", SaleQuery{ClubID: 2}, []string{"sale-3"}},
		{"by member", SaleQuery{MemberID: "M1"}, []string{"sale-1", "sale-2"}},
		{"after seq", SaleQuery{AfterSeq: appended[0].Seq}, []string{"sale-2", "sale-3"}},
		{"limit", SaleQuery{Limit: 2}, []string{"sale-1", "sale-2"}},
		{"no match", SaleQuery{ClubID: 99}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sales, err := s.ScanSales(ctx, tt.query)
			if err != nil {
				t.Fatalf("ScanSales() failed: %v", err)
			}
			if sales == nil {
				t.Fatal("ScanSales() returned nil, want empty slice")
			}
			got := saleIDs(sales)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadDueSales_RespectsNextAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s,
		createTestSale("sale-1", 0),
		createTestSale("sale-2", time.Second),
		createTestSale("sale-3", 2*time.Second),
	)

	if _, err := s.MarkSyncing(ctx, []string{"sale-1", "sale-2"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	if err := s.MarkUnsynced(ctx, "sale-1", SyncFailure{
		NextAttemptAt: testEpoch.Add(time.Minute),
		Error:         "timeout",
	}); err != nil {
		t.Fatalf("MarkUnsynced() failed: %v", err)
	}

	due, err := s.ReadDueSales(ctx, testEpoch, 10)
	if err != nil {
		t.Fatalf("ReadDueSales() failed: %v", err)
	}
	if got := fmt.Sprint(saleIDs(due)); got != "[sale-3]" {
		t.Errorf("due at epoch = %s, want [sale-3]", got)
	}

	due, err = s.ReadDueSales(ctx, testEpoch.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ReadDueSales() failed: %v", err)
	}
	if got := fmt.Sprint(saleIDs(due)); got != "[sale-1 sale-3]" {
		t.Errorf("due after backoff = %s, want [sale-1 sale-3]", got)
	}

	due, err = s.ReadDueSales(ctx, testEpoch.Add(time.Minute), 1)
	if err != nil {
		t.Fatalf("ReadDueSales() failed: %v", err)
	}
	if got := fmt.Sprint(saleIDs(due)); got != "[sale-1]" {
		t.Errorf("limited due = %s, want [sale-1]", got)
	}
}

func TestMarkSyncing_ClaimsOnlyUnsynced(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s, createTestSale("sale-1", 0), createTestSale("sale-2", time.Second))

	claimed, err := s.MarkSyncing(ctx, []string{"sale-1"})
	if err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	if fmt.Sprint(claimed) != "[sale-1]" {
		t.Fatalf("claimed = %v", claimed)
	}

	claimed, err = s.MarkSyncing(ctx, []string{"sale-1", "sale-2", "missing"})
	if err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	if fmt.Sprint(claimed) != "[sale-2]" {
		t.Errorf("second claim = %v, want [sale-2]", claimed)
	}
}

func TestMarkSynced_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s, createTestSale("sale-1", 0))

	if _, err := s.MarkSyncing(ctx, []string{"sale-1"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	syncedAt := testEpoch.Add(time.Hour)
	if err := s.MarkSynced(ctx, "sale-1", syncedAt); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "sale-1", syncedAt.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkSynced() should be a no-op: %v", err)
	}

	got, err := s.ReadSale(ctx, "sale-1")
	if err != nil {
		t.Fatalf("ReadSale() failed: %v", err)
	}
	if got.SyncState != ledger.SyncStateSynced {
		t.Errorf("SyncState = %q, want synced", got.SyncState)
	}
	if !got.SyncedAt.Equal(syncedAt) {
		t.Errorf("SyncedAt = %v, want first ack time %v", got.SyncedAt, syncedAt)
	}
}

func TestMarkSynced_RequiresSyncing(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s, createTestSale("sale-1", 0))

	if err := s.MarkSynced(ctx, "sale-1", testEpoch); !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for unsynced sale, got %v", err)
	}
	if err := s.MarkSynced(ctx, "missing", testEpoch); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkUnsynced_RecordsFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s, createTestSale("sale-1", 0))

	for i := 0; i < 2; i++ {
		if _, err := s.MarkSyncing(ctx, []string{"sale-1"}); err != nil {
			t.Fatalf("MarkSyncing() failed: %v", err)
		}
		// Only the first failure flags reconciliation; the flag must stick.
		err := s.MarkUnsynced(ctx, "sale-1", SyncFailure{
			NextAttemptAt:  testEpoch.Add(time.Duration(i+1) * time.Minute),
			Error:          fmt.Sprintf("attempt %d", i+1),
			NeedsReconcile: i == 0,
		})
		if err != nil {
			t.Fatalf("MarkUnsynced() failed: %v", err)
		}
	}

	got, err := s.ReadSale(ctx, "sale-1")
	if err != nil {
		t.Fatalf("ReadSale() failed: %v", err)
	}
	if got.SyncState != ledger.SyncStateUnsynced {
		t.Errorf("SyncState = %q, want unsynced", got.SyncState)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.LastError != "attempt 2" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if !got.NeedsReconcile {
		t.Error("NeedsReconcile was cleared by a later failure")
	}
	if !got.NextAttemptAt.Equal(testEpoch.Add(2 * time.Minute)) {
		t.Errorf("NextAttemptAt = %v", got.NextAttemptAt)
	}
}

func TestMarkUnsynced_RejectsSynced(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s, createTestSale("sale-1", 0))

	if _, err := s.MarkSyncing(ctx, []string{"sale-1"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "sale-1", testEpoch); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	err := s.MarkUnsynced(ctx, "sale-1", SyncFailure{Error: "late failure"})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	got, _ := s.ReadSale(ctx, "sale-1")
	if got.SyncState != ledger.SyncStateSynced {
		t.Errorf("synced sale changed state to %q", got.SyncState)
	}
}

func TestReleaseSyncing_DoesNotCountAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s, createTestSale("sale-1", 0))

	if _, err := s.MarkSyncing(ctx, []string{"sale-1"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	if err := s.ReleaseSyncing(ctx, []string{"sale-1"}, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("ReleaseSyncing() failed: %v", err)
	}

	got, _ := s.ReadSale(ctx, "sale-1")
	if got.SyncState != ledger.SyncStateUnsynced || got.Attempts != 0 {
		t.Errorf("after release: state=%q attempts=%d", got.SyncState, got.Attempts)
	}
	if !got.NextAttemptAt.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("NextAttemptAt = %v", got.NextAttemptAt)
	}
}

func TestRecoverInFlight_FlagsReconcile(t *testing.T) {
	path := t.TempDir() + "/test.db"
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	mustAppend(t, s, createTestSale("sale-1", 0), createTestSale("sale-2", time.Second))
	if _, err := s.MarkSyncing(t.Context(), []string{"sale-1"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	// Simulate a crash mid-sync.
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	n, err := s.RecoverInFlight(t.Context())
	if err != nil {
		t.Fatalf("RecoverInFlight() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	got, _ := s.ReadSale(t.Context(), "sale-1")
	if got.SyncState != ledger.SyncStateUnsynced || !got.NeedsReconcile {
		t.Errorf("recovered sale = state %q reconcile %v", got.SyncState, got.NeedsReconcile)
	}
	untouched, _ := s.ReadSale(t.Context(), "sale-2")
	if untouched.NeedsReconcile {
		t.Error("sale that was never in flight got flagged")
	}
}

func TestCountSales(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	counts, err := s.CountSales(ctx)
	if err != nil {
		t.Fatalf("CountSales() failed: %v", err)
	}
	if counts != (SaleCounts{}) {
		t.Errorf("empty ledger counts = %+v", counts)
	}

	mustAppend(t, s,
		createTestSale("sale-1", 0),
		createTestSale("sale-2", time.Second),
		createTestSale("sale-3", 2*time.Second),
	)
	if _, err := s.MarkSyncing(ctx, []string{"sale-1", "sale-2"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "sale-1", testEpoch); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	counts, err = s.CountSales(ctx)
	if err != nil {
		t.Fatalf("CountSales() failed: %v", err)
	}
	if counts.Unsynced != 1 || counts.Syncing != 1 || counts.Synced != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if !counts.OldestUnsynced.Equal(testEpoch.Add(2 * time.Second)) {
		t.Errorf("OldestUnsynced = %v", counts.OldestUnsynced)
	}
}

func TestNextRetryAt(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	mustAppend(t, s,
		createTestSale("sale-1", 0),
		createTestSale("sale-2", time.Second),
		createTestSale("sale-3", 2*time.Second),
	)

	next, err := s.NextRetryAt(ctx, testEpoch)
	if err != nil {
		t.Fatalf("NextRetryAt() failed: %v", err)
	}
	if !next.IsZero() {
		t.Errorf("NextRetryAt = %v with nothing scheduled", next)
	}

	if _, err := s.MarkSyncing(ctx, []string{"sale-1", "sale-2"}); err != nil {
		t.Fatalf("MarkSyncing() failed: %v", err)
	}
	for id, at := range map[string]time.Duration{"sale-1": 4 * time.Minute, "sale-2": time.Minute} {
		if err := s.MarkUnsynced(ctx, id, SyncFailure{NextAttemptAt: testEpoch.Add(at), Error: "timeout"}); err != nil {
			t.Fatalf("MarkUnsynced(%s) failed: %v", id, err)
		}
	}

	next, err = s.NextRetryAt(ctx, testEpoch)
	if err != nil {
		t.Fatalf("NextRetryAt() failed: %v", err)
	}
	if !next.Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("NextRetryAt = %v, want %v", next, testEpoch.Add(time.Minute))
	}

	// Retries already due are not waited for.
	next, err = s.NextRetryAt(ctx, testEpoch.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("NextRetryAt() failed: %v", err)
	}
	if !next.Equal(testEpoch.Add(4 * time.Minute)) {
		t.Errorf("NextRetryAt = %v, want %v", next, testEpoch.Add(4*time.Minute))
	}
}
