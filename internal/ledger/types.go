package ledger

import (
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Credential holds the per-club login for the remote accounting service.
// There is exactly one credential per ClubID; re-configuration replaces it.
type Credential struct {
	ClubID   int
	AppKey   string
	Username string
	Password string
}

// Valid reports whether every field is filled in.
func (c Credential) Valid() bool {
	return c.ClubID > 0 && c.AppKey != "" && c.Username != "" && c.Password != ""
}

// LogValue keeps secrets out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("club_id", c.ClubID),
		slog.String("app_key", redact(c.AppKey)),
		slog.String("username", c.Username),
		slog.String("password", "[redacted]"),
	)
}

func redact(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// Article is a sellable item. ID doubles as the barcode.
type Article struct {
	ID          string
	Designation string
	Prices      []Price
}

// Price is one entry of an article's price list. ValidFrom and ValidTo are
// calendar dates (midnight UTC) and both bounds are inclusive. An empty Tier
// applies to every member.
type Price struct {
	ValidFrom time.Time
	ValidTo   time.Time
	UnitPrice decimal.Decimal
	Tier      string
}

// ValidOn reports whether the price applies on the calendar day of t.
func (p Price) ValidOn(t time.Time) bool {
	day := DateOf(t)
	return !day.Before(p.ValidFrom) && !day.After(p.ValidTo)
}

// Member is one keycode row. A person with several key fobs has several
// Member rows sharing the same ID.
type Member struct {
	Keycode   string
	ID        string
	Firstname string
	Lastname  string
	Nickname  string
	Tier      string
}

// DisplayName returns the name shown on the kiosk after identification.
func (m Member) DisplayName() string {
	name := strings.TrimSpace(m.Firstname + " " + m.Lastname)
	if m.Nickname != "" {
		if name == "" {
			return m.Nickname
		}
		return name + " (" + m.Nickname + ")"
	}
	return name
}

// Sale is one ledger entry. Everything above the sync marker is written once
// by the recorder and never changes afterwards.
type Sale struct {
	Seq       int64
	ID        string
	ClubID    int
	Date      time.Time
	MemberID  string
	ArticleID string
	Amount    int
	UnitPrice decimal.Decimal
	Total     decimal.Decimal

	SyncState      SyncState
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	NeedsReconcile bool
	SyncedAt       time.Time
}

// Receipt is returned to the caller once a sale is durably recorded.
type Receipt struct {
	SaleID      string
	Date        time.Time
	MemberID    string
	ArticleID   string
	Designation string
	Quantity    int
	UnitPrice   decimal.Decimal
	Total       decimal.Decimal
}

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date to midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// DateOf truncates t to its calendar day in t's own location, returned as
// midnight UTC so it compares directly with Price bounds.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
