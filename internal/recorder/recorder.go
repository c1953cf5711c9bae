// Package recorder turns a scan of keycode and article into a durable sale.
//
// Recording never touches the network. Member, article and price come from
// the local catalog; the sale is appended to the durable store and the
// receipt is returned only after the append has committed.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// MaxQuantity caps the quantity of a single line.
const MaxQuantity = 99

// Catalog resolves scanned codes. Implemented by *catalog.Cache.
type Catalog interface {
	LookupMember(keycode string) (ledger.Member, bool)
	LookupArticle(id string) (ledger.Article, bool)
}

// Ledger is the durable sales ledger. Implemented by *store.Store.
type Ledger interface {
	AppendSales(ctx context.Context, sales []ledger.Sale) ([]ledger.Sale, error)
}

// Notifier is told about new sales. Implemented by *syncer.Engine.
type Notifier interface {
	Kick()
}

// Item is one line of a basket.
type Item struct {
	ArticleID string
	Quantity  int
}

// Recorder records sales. Safe for concurrent use; appends are serialized so
// ids and timestamps never collide.
type Recorder struct {
	catalog Catalog
	ledger  Ledger
	clubID  int

	policy   ledger.PricePolicy
	ids      ledger.IDGenerator
	now      func() time.Time
	loc      *time.Location
	notifier Notifier

	mu   sync.Mutex
	last time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPricePolicy replaces the default ledger.CurrentPricePolicy.
func WithPricePolicy(p ledger.PricePolicy) Option {
	return func(r *Recorder) { r.policy = p }
}

// WithIDGenerator replaces the default UUIDv7 generator.
func WithIDGenerator(g ledger.IDGenerator) Option {
	return func(r *Recorder) { r.ids = g }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithLocation sets the time zone that decides which calendar day a sale
// belongs to for price validity.
func WithLocation(loc *time.Location) Option {
	return func(r *Recorder) { r.loc = loc }
}

// WithNotifier registers a notifier that is kicked after every recorded sale.
func WithNotifier(n Notifier) Option {
	return func(r *Recorder) { r.notifier = n }
}

// New creates a recorder that records sales for clubID.
func New(cat Catalog, l Ledger, clubID int, opts ...Option) *Recorder {
	r := &Recorder{
		catalog: cat,
		ledger:  l,
		clubID:  clubID,
		policy:  ledger.CurrentPricePolicy{},
		ids:     ledger.UUIDv7Generator{},
		now:     time.Now,
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordSale records quantity units of articleID for the member identified
// by keycode.
func (r *Recorder) RecordSale(ctx context.Context, keycode, articleID string, quantity int) (ledger.Receipt, error) {
	receipts, err := r.RecordBasket(ctx, keycode, []Item{{ArticleID: articleID, Quantity: quantity}})
	if err != nil {
		return ledger.Receipt{}, err
	}
	return receipts[0], nil
}

// RecordBasket records several lines for one member in a single atomic
// append. Either every line is recorded or none is.
func (r *Recorder) RecordBasket(ctx context.Context, keycode string, items []Item) ([]ledger.Receipt, error) {
	keycode = ledger.NormalizeCode(keycode)

	if len(items) == 0 {
		return nil, &SaleError{Code: ErrCodeInvalidQuantity, Message: "basket is empty", Keycode: keycode}
	}
	for _, it := range items {
		if it.Quantity < 1 || it.Quantity > MaxQuantity {
			return nil, &SaleError{
				Code:      ErrCodeInvalidQuantity,
				Message:   fmt.Sprintf("quantity %d outside 1..%d", it.Quantity, MaxQuantity),
				Keycode:   keycode,
				ArticleID: ledger.NormalizeCode(it.ArticleID),
			}
		}
	}

	member, ok := r.catalog.LookupMember(keycode)
	if !ok {
		return nil, &SaleError{Code: ErrCodeUnknownMember, Message: "keycode not found", Keycode: keycode}
	}

	articles := make([]ledger.Article, len(items))
	for i, it := range items {
		id := ledger.NormalizeCode(it.ArticleID)
		a, ok := r.catalog.LookupArticle(id)
		if !ok {
			return nil, &SaleError{Code: ErrCodeUnknownArticle, Message: "article not found", Keycode: keycode, ArticleID: id}
		}
		articles[i] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sales := make([]ledger.Sale, len(items))
	receipts := make([]ledger.Receipt, len(items))
	for i, it := range items {
		at := r.nextTimestamp()

		price, ok := r.policy.SelectPrice(member, articles[i], at.In(r.loc))
		if !ok {
			return nil, &SaleError{
				Code:      ErrCodeNoPrice,
				Message:   fmt.Sprintf("no price valid on %s", at.In(r.loc).Format(ledger.DateLayout)),
				Keycode:   keycode,
				ArticleID: articles[i].ID,
			}
		}

		total := price.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
		sales[i] = ledger.Sale{
			ID:        r.ids.Generate(),
			ClubID:    r.clubID,
			Date:      at,
			MemberID:  member.ID,
			ArticleID: articles[i].ID,
			Amount:    it.Quantity,
			UnitPrice: price.UnitPrice,
			Total:     total,
		}
		receipts[i] = ledger.Receipt{
			SaleID:      sales[i].ID,
			Date:        at,
			MemberID:    member.ID,
			ArticleID:   articles[i].ID,
			Designation: articles[i].Designation,
			Quantity:    it.Quantity,
			UnitPrice:   price.UnitPrice,
			Total:       total,
		}
	}

	if _, err := r.ledger.AppendSales(ctx, sales); err != nil {
		slog.Error("sale not recorded", "member", member.ID, "error", err)
		return nil, &SaleError{Code: ErrCodeStorage, Message: "durable append failed", Keycode: keycode, Err: err}
	}

	for _, s := range sales {
		slog.Info("sale recorded",
			"sale", s.ID,
			"member", s.MemberID,
			"article", s.ArticleID,
			"amount", s.Amount,
			"total", s.Total.String(),
		)
	}

	if r.notifier != nil {
		r.notifier.Kick()
	}
	return receipts, nil
}

// nextTimestamp returns the current time, bumped if needed so that it is
// strictly after the previous sale. Must be called with mu held.
func (r *Recorder) nextTimestamp() time.Time {
	at := r.now().UTC()
	if !at.After(r.last) {
		at = r.last.Add(time.Nanosecond)
	}
	r.last = at
	return at
}
