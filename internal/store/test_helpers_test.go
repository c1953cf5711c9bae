package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// createTestSale creates a sale with minimal required fields.
func createTestSale(id string, offset time.Duration) ledger.Sale {
	return ledger.Sale{
		ID:        id,
		ClubID:    1,
		Date:      testEpoch.Add(offset),
		MemberID:  "M1",
		ArticleID: "ART42",
		Amount:    1,
		UnitPrice: decimal.RequireFromString("2.50"),
		Total:     decimal.RequireFromString("2.50"),
	}
}

func mustAppend(t *testing.T, s *Store, sales ...ledger.Sale) []ledger.Sale {
	t.Helper()
	appended, err := s.AppendSales(t.Context(), sales)
	if err != nil {
		t.Fatalf("AppendSales() failed: %v", err)
	}
	return appended
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ledger.ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q) failed: %v", s, err)
	}
	return d
}

func saleIDs(sales []ledger.Sale) []string {
	ids := make([]string, len(sales))
	for i, s := range sales {
		ids[i] = s.ID
	}
	return ids
}
