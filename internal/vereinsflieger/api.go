package vereinsflieger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"
)

const dateLayout = "2006-01-02"

// Field is a scalar that the interface sends either as string or as number.
type Field string

// UnmarshalJSON accepts strings, numbers and null.
func (f *Field) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Field(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("field: want string or number, got %s", data)
		}
		*f = Field(n.String())
	}
	return nil
}

// Article is an entry of articles/list.
type Article struct {
	ArticleID   Field          `json:"articleid"`
	Designation string         `json:"designation"`
	UnitType    string         `json:"unittype"`
	Prices      []ArticlePrice `json:"prices"`
}

// ArticlePrice is one entry of an article's price list.
type ArticlePrice struct {
	ValidFrom string `json:"validfrom"`
	ValidTo   string `json:"validto"`
	UnitPrice Field  `json:"unitprice"`
	SalesTax  Field  `json:"salestax"`
}

// User is an entry of user/list.
type User struct {
	UID           Field  `json:"uid"`
	MemberID      Field  `json:"memberid"`
	Firstname     string `json:"firstname"`
	Lastname      string `json:"lastname"`
	Nickname      string `json:"nickname"`
	KeyManagement []Key  `json:"keymanagement"`
}

// UnmarshalJSON tolerates keymanagement being sent as an object keyed by
// index instead of an array.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	var raw struct {
		plain
		KeyManagement json.RawMessage `json:"keymanagement"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	keys, err := decodeKeys(raw.KeyManagement)
	if err != nil {
		return fmt.Errorf("keymanagement: %w", err)
	}
	*u = User(raw.plain)
	u.KeyManagement = keys
	return nil
}

func decodeKeys(data json.RawMessage) ([]Key, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		var keys []Key
		err := json.Unmarshal(data, &keys)
		return keys, err
	}
	var keys []Key
	err := decodeList(data, &keys)
	return keys, err
}

// Key is a key fob or card registered for a user.
type Key struct {
	Title   string `json:"title"`
	KeyName string `json:"keyname"`
}

// Sale is an entry of sale/add and sale/list.
type Sale struct {
	BookingDate string `json:"bookingdate"`
	ArticleID   Field  `json:"articleid"`
	Amount      Field  `json:"amount"`
	MemberID    Field  `json:"memberid"`
	TotalPrice  Field  `json:"totalprice"`
	Comment     string `json:"comment"`
}

// decodeList decodes the interface's list encoding, a JSON object whose
// numeric keys hold the entries next to metadata such as "httpstatuscode",
// into out in index order.
func decodeList[T any](data []byte, out *[]T) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}

	type entry struct {
		idx int
		raw json.RawMessage
	}
	entries := make([]entry, 0, len(obj))
	for k, raw := range obj {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		entries = append(entries, entry{idx, raw})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })

	items := make([]T, 0, len(entries))
	for _, e := range entries {
		var item T
		if err := json.Unmarshal(e.raw, &item); err != nil {
			return fmt.Errorf("entry %d: %w", e.idx, err)
		}
		items = append(items, item)
	}
	*out = items
	return nil
}

// listCall runs a list endpoint and decodes its entries.
func listCall[T any](ctx context.Context, c *Client, path string, form url.Values) ([]T, error) {
	var raw json.RawMessage
	if err := c.call(ctx, path, form, &raw); err != nil {
		return nil, err
	}
	var items []T
	if err := decodeList(raw, &items); err != nil {
		return nil, newDecodeError(path, err)
	}
	return items, nil
}

// ListArticles returns all articles of the club.
func (c *Client) ListArticles(ctx context.Context) ([]Article, error) {
	items, err := listCall[Article](ctx, c, "articles/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	return items, nil
}

// ListUsers returns all users of the club.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	items, err := listCall[User](ctx, c, "user/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return items, nil
}

// AddSale books one sale.
func (c *Client) AddSale(ctx context.Context, s Sale) error {
	form := url.Values{
		"bookingdate": {s.BookingDate},
		"articleid":   {string(s.ArticleID)},
		"amount":      {string(s.Amount)},
		"memberid":    {string(s.MemberID)},
	}
	if s.TotalPrice != "" {
		form.Set("totalprice", string(s.TotalPrice))
	}
	if s.Comment != "" {
		form.Set("comment", s.Comment)
	}
	if err := c.call(ctx, "sale/add", form, nil); err != nil {
		return fmt.Errorf("add sale: %w", err)
	}
	return nil
}

// ListSales returns the sales booked between from and to, both inclusive
// calendar days.
func (c *Client) ListSales(ctx context.Context, from, to time.Time) ([]Sale, error) {
	form := url.Values{
		"datefrom": {from.Format(dateLayout)},
		"dateto":   {to.Format(dateLayout)},
	}
	items, err := listCall[Sale](ctx, c, "sale/list", form)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	return items, nil
}
