package vereinsflieger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/syncer"
)

var (
	_ syncer.Remote  = (*Client)(nil)
	_ catalog.Source = (*Client)(nil)
)

var testCred = ledger.Credential{ClubID: 42, AppKey: "app-key", Username: "kiosk", Password: "secret"}

// fakeVF is an in-memory Vereinsflieger interface.
type fakeVF struct {
	url string

	mu       sync.Mutex
	issued   int
	valid    map[string]bool
	requests map[string]int
	sales    []map[string]string

	// status, when set for a path, is answered instead of the real handler.
	status map[string]int

	articles any
	users    any
}

func newFakeVF(t *testing.T) (*fakeVF, *Client) {
	t.Helper()
	f := &fakeVF{
		valid:    make(map[string]bool),
		requests: make(map[string]int),
		status:   make(map[string]int),
		articles: map[string]any{"httpstatuscode": 200},
		users:    map[string]any{"httpstatuscode": 200},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.url = srv.URL

	return f, New(testCred, WithBaseURL(srv.URL), WithLocation(time.UTC))
}

func (f *fakeVF) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.ParseForm() != nil {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path[1:]
	f.requests[path]++

	if code, ok := f.status[path]; ok {
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"error":"forced %d"}`, code)
		return
	}

	switch path {
	case "auth/accesstoken":
		f.issued++
		token := "token-" + strconv.Itoa(f.issued)
		writeJSON(w, map[string]any{"accesstoken": token, "httpstatuscode": 200})
		return
	case "auth/signin":
		ok := r.PostForm.Get("appkey") == testCred.AppKey &&
			r.PostForm.Get("username") == testCred.Username &&
			r.PostForm.Get("password") == md5Hex(testCred.Password) &&
			r.PostForm.Get("cid") == "42"
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.valid[r.PostForm.Get("accesstoken")] = true
		return
	}

	if !f.valid[r.PostForm.Get("accesstoken")] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch path {
	case "articles/list":
		writeJSON(w, f.articles)
	case "user/list":
		writeJSON(w, f.users)
	case "sale/add":
		sale := map[string]string{}
		for k := range r.PostForm {
			if k != "accesstoken" {
				sale[k] = r.PostForm.Get(k)
			}
		}
		f.sales = append(f.sales, sale)
		writeJSON(w, map[string]any{"httpstatuscode": 200})
	case "sale/list":
		out := map[string]any{"httpstatuscode": 200}
		for i, s := range f.sales {
			d := s["bookingdate"]
			if d >= r.PostForm.Get("datefrom") && d <= r.PostForm.Get("dateto") {
				out[strconv.Itoa(i)] = s
			}
		}
		writeJSON(w, out)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// expireTokens invalidates every issued token.
func (f *fakeVF) expireTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = make(map[string]bool)
}

func (f *fakeVF) setStatus(path string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = code
}

func (f *fakeVF) setLists(articles, users any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.articles = articles
	f.users = users
}

func (f *fakeVF) booked() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string{}, f.sales...)
}

func (f *fakeVF) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testSale(id string) ledger.Sale {
	return ledger.Sale{
		ID:        id,
		ClubID:    42,
		Date:      time.Date(2024, 5, 1, 23, 30, 0, 0, time.UTC),
		MemberID:  "1001",
		ArticleID: "ART42",
		Amount:    2,
		UnitPrice: decimal.RequireFromString("2.5"),
		Total:     decimal.RequireFromString("5"),
	}
}

func TestClient_Authenticate(t *testing.T) {
	f, c := newFakeVF(t)

	require.NoError(t, c.Authenticate(t.Context()))
	assert.Equal(t, 1, f.count("auth/signin"))

	// The token is reused.
	_, err := c.ListArticles(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("auth/accesstoken"))
}

func TestClient_AuthenticateRejected(t *testing.T) {
	f, _ := newFakeVF(t)
	wrong := testCred
	wrong.Password = "typo"
	c := New(wrong, WithBaseURL(f.url))

	err := c.Authenticate(t.Context())
	require.ErrorIs(t, err, ledger.ErrAuthRejected)
	assert.True(t, syncer.IsAuthRejected(err))
}

func TestClient_ReauthenticatesOnceOnExpiredToken(t *testing.T) {
	f, c := newFakeVF(t)
	require.NoError(t, c.Authenticate(t.Context()))

	f.expireTokens()
	_, err := c.ListUsers(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 2, f.count("auth/signin"))
	assert.Equal(t, 2, f.count("user/list"))
}

func TestClient_FreshTokenRejectedIsNotRetried(t *testing.T) {
	f, c := newFakeVF(t)
	f.setStatus("articles/list", http.StatusUnauthorized)

	_, err := c.ListArticles(t.Context())
	require.ErrorIs(t, err, ledger.ErrAuthRejected)
	assert.Equal(t, 1, f.count("articles/list"))
	assert.Equal(t, 1, f.count("auth/signin"))

	// The rejected token is dropped, so the next call signs in again.
	_, _ = c.ListArticles(t.Context())
	assert.Equal(t, 2, f.count("auth/signin"))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ledger.ErrAuthRejected},
		{http.StatusForbidden, ledger.ErrAuthRejected},
		{http.StatusRequestTimeout, ledger.ErrNetworkTransient},
		{http.StatusTooManyRequests, ledger.ErrNetworkTransient},
		{http.StatusInternalServerError, ledger.ErrNetworkTransient},
		{http.StatusBadGateway, ledger.ErrNetworkTransient},
		{http.StatusBadRequest, ledger.ErrValidationRejected},
		{http.StatusNotFound, ledger.ErrValidationRejected},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			f, c := newFakeVF(t)
			f.setStatus("sale/add", tt.status)

			err := c.SubmitSale(t.Context(), testSale("s-1"))
			require.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "sale/add", apiErr.Path)
			assert.Contains(t, apiErr.Message, "forced")
		})
	}
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(testCred, WithBaseURL(url))
	err := c.Authenticate(t.Context())
	assert.ErrorIs(t, err, ledger.ErrNetworkTransient)
}

func TestClient_UndecodableBodyIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	}))
	t.Cleanup(srv.Close)

	c := New(testCred, WithBaseURL(srv.URL))
	err := c.Authenticate(t.Context())
	assert.ErrorIs(t, err, ledger.ErrValidationRejected)
}

func TestClient_SubmitAndLookupSale(t *testing.T) {
	f, c := newFakeVF(t)
	sale := testSale("0190f5a2-0000-7000-8000-000000000001")

	found, err := c.LookupSale(t.Context(), sale)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SubmitSale(t.Context(), sale))
	booked := f.booked()
	require.Len(t, booked, 1)
	assert.Equal(t, map[string]string{
		"bookingdate": "2024-05-01",
		"articleid":   "ART42",
		"amount":      "2",
		"memberid":    "1001",
		"totalprice":  "5.00",
		"comment":     sale.ID,
	}, booked[0])

	found, err = c.LookupSale(t.Context(), sale)
	require.NoError(t, err)
	assert.True(t, found)

	other := testSale("other")
	found, err = c.LookupSale(t.Context(), other)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClient_BookingDateUsesLocation(t *testing.T) {
	f, _ := newFakeVF(t)
	berlin := time.FixedZone("CEST", 2*60*60)
	c := New(testCred, WithBaseURL(f.url), WithLocation(berlin))

	// 23:30 UTC on May 1st is already May 2nd in Berlin.
	require.NoError(t, c.SubmitSale(t.Context(), testSale("s-1")))
	assert.Equal(t, "2024-05-02", f.booked()[0]["bookingdate"])
}

func TestClient_FetchCatalog(t *testing.T) {
	f, c := newFakeVF(t)
	articles := map[string]any{
		"httpstatuscode": 200,
		"1": map[string]any{
			"articleid":   "ART7",
			"designation": " Water ",
			"prices": []map[string]any{
				{"validfrom": "0000-00-00", "validto": "0000-00-00", "unitprice": 1.2},
			},
		},
		"0": map[string]any{
			"articleid":   42,
			"designation": "Cola",
			"prices": []map[string]any{
				{"validfrom": "2024-01-01", "validto": "2024-12-31 00:00:00", "unitprice": "2.50"},
			},
		},
	}
	users := map[string]any{
		"httpstatuscode": 200,
		"0": map[string]any{
			"uid":       7,
			"memberid":  1001,
			"firstname": "Anna",
			"lastname":  "Pilot",
			"keymanagement": []map[string]any{
				{"title": "Fob", "keyname": "KC123"},
				{"title": "Spare", "keyname": " "},
			},
		},
		"1": map[string]any{
			"memberid":  "1002",
			"firstname": "Ben",
			"keymanagement": map[string]any{
				"0": map[string]any{"keyname": "KC456"},
			},
		},
	}

	f.setLists(articles, users)

	snap, err := c.FetchCatalog(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []catalog.RemoteArticle{
		{ID: "42", Designation: "Cola", Prices: []catalog.RemotePrice{
			{ValidFrom: "2024-01-01", ValidTo: "2024-12-31", UnitPrice: "2.50"},
		}},
		{ID: "ART7", Designation: "Water", Prices: []catalog.RemotePrice{
			{ValidFrom: "0001-01-01", ValidTo: "9999-12-31", UnitPrice: "1.2"},
		}},
	}, snap.Articles)

	assert.Equal(t, []catalog.RemoteMember{
		{ID: "1001", Keycodes: []string{"KC123"}, Firstname: "Anna", Lastname: "Pilot"},
		{ID: "1002", Keycodes: []string{"KC456"}, Firstname: "Ben"},
	}, snap.Members)

	assert.Equal(t, 1, f.count("auth/signin"), "concurrent requests share one sign-in")
}

func TestClient_FetchCatalogFailure(t *testing.T) {
	f, c := newFakeVF(t)
	f.setStatus("user/list", http.StatusServiceUnavailable)

	_, err := c.FetchCatalog(t.Context())
	assert.ErrorIs(t, err, ledger.ErrNetworkTransient)
}

func TestField_UnmarshalJSON(t *testing.T) {
	var v struct {
		A, B, C Field
	}
	require.NoError(t, json.Unmarshal([]byte(`{"A":"x","B":12.5,"C":null}`), &v))
	assert.Equal(t, Field("x"), v.A)
	assert.Equal(t, Field("12.5"), v.B)
	assert.Equal(t, Field(""), v.C)

	assert.Error(t, json.Unmarshal([]byte(`{"A":true}`), &v))
}
