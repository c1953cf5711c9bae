package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
)

// Store is the persistence the cache needs. Implemented by *store.Store.
type Store interface {
	LoadCatalog(ctx context.Context) (store.Catalog, error)
	ReplaceCatalog(ctx context.Context, articles []ledger.Article, members []ledger.Member, meta store.CatalogMeta) error
}

// Cache is the process-wide catalog. Lookups are safe from any goroutine;
// refreshes are serialized.
type Cache struct {
	store Store
	now   func() time.Time

	snap atomic.Pointer[Snapshot]

	mu        sync.Mutex // serializes Refresh and guards validator
	validator *validator
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source used to stamp refreshes.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache backed by st. Call Load to populate it from
// the store.
func New(st Store, opts ...Option) (*Cache, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		store:     st,
		now:       time.Now,
		validator: v,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(newSnapshot(nil, nil, 0, 0, time.Time{}))
	return c, nil
}

// Snapshot returns the current generation.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// LookupMember resolves a scanned keycode.
func (c *Cache) LookupMember(keycode string) (ledger.Member, bool) {
	return c.snap.Load().Member(ledger.NormalizeCode(keycode))
}

// LookupArticle resolves a scanned barcode or typed article id.
func (c *Cache) LookupArticle(id string) (ledger.Article, bool) {
	return c.snap.Load().Article(ledger.NormalizeCode(id))
}

// Load replaces the in-memory snapshot with the catalog stored on disk. Used
// at startup so the kiosk can sell without network access.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cat, err := c.store.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	snap := newSnapshot(cat.Articles, cat.Members, cat.Meta.Generation, cat.Meta.Fingerprint, cat.Meta.RefreshedAt)
	c.snap.Store(snap)

	slog.Info("catalog loaded",
		"generation", snap.Generation(),
		"articles", snap.ArticleCount(),
		"members", snap.MemberCount(),
	)
	return nil
}

// RefreshResult describes the outcome of a successful refresh.
type RefreshResult struct {
	Generation uint64
	Changed    bool
	Articles   int
	Members    int
	Dropped    int
}

// RefreshFrom fetches a snapshot from src and applies it with Refresh.
func (c *Cache) RefreshFrom(ctx context.Context, src Source) (RefreshResult, error) {
	remote, err := src.FetchCatalog(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresh catalog: fetch: %w: %w", ledger.ErrCatalogRefreshFailed, err)
	}
	return c.Refresh(ctx, remote)
}

// Refresh validates remote, persists it and publishes it as the next
// generation. An identical catalog is not rewritten. On error the current
// snapshot stays published and the error wraps ledger.ErrCatalogRefreshFailed.
func (c *Cache) Refresh(ctx context.Context, remote RemoteSnapshot) (RefreshResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	articles, members, dropped, err := c.convert(remote)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresh catalog: %w: %w", ledger.ErrCatalogRefreshFailed, err)
	}

	fp := fingerprint(articles, members)
	current := c.snap.Load()
	if current.Generation() > 0 && current.Fingerprint() == fp {
		slog.Debug("catalog unchanged", "generation", current.Generation())
		return RefreshResult{
			Generation: current.Generation(),
			Articles:   len(articles),
			Members:    len(members),
			Dropped:    dropped,
		}, nil
	}

	meta := store.CatalogMeta{
		Generation:  current.Generation() + 1,
		Fingerprint: fp,
		RefreshedAt: c.now().UTC(),
	}
	if err := c.store.ReplaceCatalog(ctx, articles, members, meta); err != nil {
		return RefreshResult{}, fmt.Errorf("refresh catalog: %w: %w", ledger.ErrCatalogRefreshFailed, err)
	}

	c.snap.Store(newSnapshot(articles, members, meta.Generation, meta.Fingerprint, meta.RefreshedAt))

	slog.Info("catalog refreshed",
		"generation", meta.Generation,
		"articles", len(articles),
		"members", len(members),
		"dropped", dropped,
	)
	return RefreshResult{
		Generation: meta.Generation,
		Changed:    true,
		Articles:   len(articles),
		Members:    len(members),
		Dropped:    dropped,
	}, nil
}

// convert validates and converts a remote snapshot. Malformed items are
// dropped and counted; keycode collisions and empty results are errors.
// The returned slices are sorted (articles by id, members by keycode).
func (c *Cache) convert(remote RemoteSnapshot) ([]ledger.Article, []ledger.Member, int, error) {
	dropped := 0

	articles := make([]ledger.Article, 0, len(remote.Articles))
	seenArticles := make(map[string]bool, len(remote.Articles))
	for _, ra := range remote.Articles {
		if err := c.validator.validateArticle(ra); err != nil {
			slog.Warn("dropping invalid article", "error", err)
			dropped++
			continue
		}
		a, err := convertArticle(ra)
		if err != nil {
			slog.Warn("dropping invalid article", "article", ra.ID, "error", err)
			dropped++
			continue
		}
		if seenArticles[a.ID] {
			slog.Warn("dropping duplicate article", "article", a.ID)
			dropped++
			continue
		}
		seenArticles[a.ID] = true
		articles = append(articles, a)
	}

	members := make([]ledger.Member, 0, len(remote.Members))
	owner := make(map[string]string)
	for _, rm := range remote.Members {
		if err := c.validator.validateMember(rm); err != nil {
			slog.Warn("dropping invalid member", "error", err)
			dropped++
			continue
		}
		for _, raw := range rm.Keycodes {
			code := ledger.NormalizeCode(raw)
			if code == "" {
				continue
			}
			if prev, ok := owner[code]; ok {
				if prev == rm.ID {
					continue
				}
				return nil, nil, dropped, fmt.Errorf("keycode %q assigned to members %s and %s", code, prev, rm.ID)
			}
			owner[code] = rm.ID
			members = append(members, ledger.Member{
				Keycode:   code,
				ID:        rm.ID,
				Firstname: rm.Firstname,
				Lastname:  rm.Lastname,
				Nickname:  rm.Nickname,
				Tier:      rm.Tier,
			})
		}
	}

	if len(articles) == 0 {
		return nil, nil, dropped, fmt.Errorf("snapshot has no valid articles")
	}
	if len(members) == 0 {
		return nil, nil, dropped, fmt.Errorf("snapshot has no members with keycodes")
	}

	sort.Slice(articles, func(i, j int) bool { return articles[i].ID < articles[j].ID })
	sort.Slice(members, func(i, j int) bool { return members[i].Keycode < members[j].Keycode })
	return articles, members, dropped, nil
}

func convertArticle(ra RemoteArticle) (ledger.Article, error) {
	a := ledger.Article{
		ID:          ledger.NormalizeCode(ra.ID),
		Designation: ra.Designation,
	}
	if a.ID == "" {
		return ledger.Article{}, fmt.Errorf("empty id")
	}

	for i, rp := range ra.Prices {
		from, err := ledger.ParseDate(rp.ValidFrom)
		if err != nil {
			return ledger.Article{}, fmt.Errorf("price %d: valid_from: %w", i, err)
		}
		to, err := ledger.ParseDate(rp.ValidTo)
		if err != nil {
			return ledger.Article{}, fmt.Errorf("price %d: valid_to: %w", i, err)
		}
		if to.Before(from) {
			return ledger.Article{}, fmt.Errorf("price %d: valid_to %s before valid_from %s", i, rp.ValidTo, rp.ValidFrom)
		}
		unit, err := decimal.NewFromString(rp.UnitPrice)
		if err != nil {
			return ledger.Article{}, fmt.Errorf("price %d: unit_price: %w", i, err)
		}
		a.Prices = append(a.Prices, ledger.Price{
			ValidFrom: from,
			ValidTo:   to,
			UnitPrice: unit,
			Tier:      rp.Tier,
		})
	}
	return a, nil
}
