package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime converts t to UTC storage text. The zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// priceRecord is the stored form of a ledger.Price inside the prices blob.
type priceRecord struct {
	ValidFrom string `json:"valid_from"`
	ValidTo   string `json:"valid_to"`
	UnitPrice string `json:"unit_price"`
	Tier      string `json:"tier,omitempty"`
}

// marshalPrices converts a price list to the JSON blob stored with an article.
func marshalPrices(prices []ledger.Price) (string, error) {
	records := make([]priceRecord, len(prices))
	for i, p := range prices {
		records[i] = priceRecord{
			ValidFrom: p.ValidFrom.Format(ledger.DateLayout),
			ValidTo:   p.ValidTo.Format(ledger.DateLayout),
			UnitPrice: p.UnitPrice.String(),
			Tier:      p.Tier,
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal prices: %w", err)
	}
	return string(data), nil
}

// unmarshalPrices parses a stored prices blob.
func unmarshalPrices(data string) ([]ledger.Price, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var records []priceRecord
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return nil, fmt.Errorf("unmarshal prices: %w", err)
	}

	prices := make([]ledger.Price, len(records))
	for i, r := range records {
		from, err := ledger.ParseDate(r.ValidFrom)
		if err != nil {
			return nil, fmt.Errorf("unmarshal prices: valid_from: %w", err)
		}
		to, err := ledger.ParseDate(r.ValidTo)
		if err != nil {
			return nil, fmt.Errorf("unmarshal prices: valid_to: %w", err)
		}
		unit, err := decimal.NewFromString(r.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("unmarshal prices: unit_price: %w", err)
		}
		prices[i] = ledger.Price{ValidFrom: from, ValidTo: to, UnitPrice: unit, Tier: r.Tier}
	}
	return prices, nil
}
