package harness

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
)

// CheckInvariants compares the ledger with what the remote booked and
// returns one message per violated delivery guarantee:
//
//   - no sale is booked more than once
//   - every sale marked synced was booked
//   - the remote booked only sales the ledger holds
//   - within a club, sale dates strictly increase in ledger order
func CheckInvariants(ctx context.Context, st *store.Store, booked []ledger.Sale) ([]string, error) {
	sales, err := st.ScanSales(ctx, store.SaleQuery{})
	if err != nil {
		return nil, err
	}

	var violations []string

	bookings := make(map[string]int, len(booked))
	for _, b := range booked {
		bookings[b.ID]++
	}
	inLedger := make(map[string]bool, len(sales))
	for _, s := range sales {
		inLedger[s.ID] = true
	}

	ids := make([]string, 0, len(bookings))
	for id := range bookings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if n := bookings[id]; n > 1 {
			violations = append(violations, fmt.Sprintf("sale %s booked %d times", id, n))
		}
		if !inLedger[id] {
			violations = append(violations, fmt.Sprintf("remote booked sale %s missing from the ledger", id))
		}
	}

	last := make(map[int]ledger.Sale)
	for _, s := range sales {
		if s.SyncState == ledger.SyncStateSynced && bookings[s.ID] == 0 {
			violations = append(violations, fmt.Sprintf("sale %s marked synced but never booked", s.ID))
		}
		if prev, ok := last[s.ClubID]; ok && !s.Date.After(prev.Date) {
			violations = append(violations, fmt.Sprintf("sale %s of club %d not after sale %s", s.ID, s.ClubID, prev.ID))
		}
		last[s.ClubID] = s
	}

	return violations, nil
}

// ValidationResult summarizes a run over a directory of scenarios.
type ValidationResult struct {
	TotalScenarios int
	Passed         int
	Failed         int
	// Failures maps scenario file names to their errors.
	Failures map[string][]string
}

// ValidateDir loads and runs every scenario in dir.
func ValidateDir(dir string) (*ValidationResult, error) {
	paths, err := ScenarioFiles(dir)
	if err != nil {
		return nil, err
	}

	vr := &ValidationResult{Failures: make(map[string][]string)}
	for _, path := range paths {
		name := filepath.Base(path)
		vr.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			vr.Failed++
			vr.Failures[name] = []string{err.Error()}
			continue
		}
		result, err := Run(scenario)
		if err != nil {
			vr.Failed++
			vr.Failures[name] = []string{err.Error()}
			continue
		}
		if !result.Pass {
			vr.Failed++
			vr.Failures[name] = result.Errors
			continue
		}
		vr.Passed++
	}
	return vr, nil
}
