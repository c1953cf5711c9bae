package vereinsflieger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/ledger"
)

// Open-ended price bounds are sent as zero dates.
const (
	zeroDate = "0000-00-00"
	openFrom = "0001-01-01"
	openTo   = "9999-12-31"
)

// SubmitSale books sale. The sale id travels in the comment field so that
// LookupSale can find the booking again.
func (c *Client) SubmitSale(ctx context.Context, sale ledger.Sale) error {
	return c.AddSale(ctx, Sale{
		BookingDate: c.bookingDate(sale),
		ArticleID:   Field(sale.ArticleID),
		Amount:      Field(fmt.Sprint(sale.Amount)),
		MemberID:    Field(sale.MemberID),
		TotalPrice:  Field(sale.Total.StringFixed(2)),
		Comment:     sale.ID,
	})
}

// LookupSale reports whether a booking carrying the sale id exists on the
// sale's booking date.
func (c *Client) LookupSale(ctx context.Context, sale ledger.Sale) (bool, error) {
	day := sale.Date.In(c.loc)
	entries, err := c.ListSales(ctx, day, day)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Comment) == sale.ID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) bookingDate(sale ledger.Sale) string {
	return sale.Date.In(c.loc).Format(dateLayout)
}

// FetchCatalog loads articles and users concurrently and converts them to a
// catalog snapshot. Users without a key produce a member without keycodes.
func (c *Client) FetchCatalog(ctx context.Context) (catalog.RemoteSnapshot, error) {
	var (
		articles []Article
		users    []User
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		articles, err = c.ListArticles(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = c.ListUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return catalog.RemoteSnapshot{}, fmt.Errorf("fetch catalog: %w", err)
	}

	slog.Info("received catalog from vereinsflieger",
		"club", c.cred.ClubID,
		"articles", len(articles),
		"users", len(users),
	)

	snap := catalog.RemoteSnapshot{
		Articles: make([]catalog.RemoteArticle, len(articles)),
		Members:  make([]catalog.RemoteMember, len(users)),
	}
	for i, a := range articles {
		snap.Articles[i] = convertArticle(a)
	}
	for i, u := range users {
		snap.Members[i] = convertUser(u)
	}
	return snap, nil
}

func convertArticle(a Article) catalog.RemoteArticle {
	ra := catalog.RemoteArticle{
		ID:          strings.TrimSpace(string(a.ArticleID)),
		Designation: strings.TrimSpace(a.Designation),
		Prices:      make([]catalog.RemotePrice, len(a.Prices)),
	}
	for i, p := range a.Prices {
		ra.Prices[i] = catalog.RemotePrice{
			ValidFrom: openDate(p.ValidFrom, openFrom),
			ValidTo:   openDate(p.ValidTo, openTo),
			UnitPrice: strings.TrimSpace(string(p.UnitPrice)),
		}
	}
	return ra
}

func convertUser(u User) catalog.RemoteMember {
	rm := catalog.RemoteMember{
		ID:        strings.TrimSpace(string(u.MemberID)),
		Keycodes:  make([]string, 0, len(u.KeyManagement)),
		Firstname: u.Firstname,
		Lastname:  u.Lastname,
		Nickname:  u.Nickname,
	}
	for _, k := range u.KeyManagement {
		if name := strings.TrimSpace(k.KeyName); name != "" {
			rm.Keycodes = append(rm.Keycodes, name)
		}
	}
	return rm
}

func openDate(d, open string) string {
	d = strings.TrimSpace(d)
	if d == "" || d == zeroDate {
		return open
	}
	// Some endpoints append a time of day.
	if len(d) > len(dateLayout) {
		d = d[:len(dateLayout)]
	}
	return d
}
