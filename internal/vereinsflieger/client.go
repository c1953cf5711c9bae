package vereinsflieger

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// DefaultBaseURL is the production REST interface.
const DefaultBaseURL = "https://www.vereinsflieger.de/interface/rest"

// DefaultTimeout bounds a single HTTP request when the caller's context has
// no earlier deadline.
const DefaultTimeout = 30 * time.Second

// maxBodySize caps how much of a response is read.
const maxBodySize = 16 << 20

// Client talks to the interface on behalf of one club.
//
// Thread-safety: All methods are safe for concurrent use. Sign-in is
// serialized; other requests run in parallel with a shared token.
type Client struct {
	cred    ledger.Credential
	baseURL string
	http    *http.Client
	loc     *time.Location

	mu    sync.Mutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another server, e.g. an httptest server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLocation sets the time zone used to derive booking dates.
//
// Default: time.Local
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.loc = loc }
}

// New creates a client for cred. No request is made until the first call.
func New(cred ledger.Credential, opts ...Option) *Client {
	c := &Client{
		cred:    cred,
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: DefaultTimeout},
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credential returns the credential the client signs in with.
func (c *Client) Credential() ledger.Credential {
	return c.cred
}

// Authenticate signs in with a new token and keeps it for later calls.
// Used to verify a credential before it is stored.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token, err := c.signIn(ctx)
	if err != nil {
		c.token = ""
		return err
	}
	c.token = token
	return nil
}

// accessToken returns the cached token, signing in when there is none or
// when the cached one equals stale. fresh reports whether a sign-in
// happened.
func (c *Client) accessToken(ctx context.Context, stale string) (token string, fresh bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.token != stale {
		return c.token, false, nil
	}
	token, err = c.signIn(ctx)
	if err != nil {
		c.token = ""
		return "", false, err
	}
	c.token = token
	return token, true, nil
}

func (c *Client) dropToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

// signIn requests an access token and binds it to the club login.
func (c *Client) signIn(ctx context.Context) (string, error) {
	slog.Debug("requesting vereinsflieger access token", "club", c.cred.ClubID)

	var resp struct {
		AccessToken string `json:"accesstoken"`
	}
	if err := c.post(ctx, "auth/accesstoken", "", nil, &resp); err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("get access token: %w", newDecodeError("auth/accesstoken", fmt.Errorf("empty token")))
	}

	form := url.Values{
		"appkey":   {c.cred.AppKey},
		"username": {c.cred.Username},
		"password": {md5Hex(c.cred.Password)},
		"cid":      {strconv.Itoa(c.cred.ClubID)},
	}
	if err := c.post(ctx, "auth/signin", resp.AccessToken, form, nil); err != nil {
		return "", fmt.Errorf("sign in club %d: %w", c.cred.ClubID, err)
	}

	slog.Debug("vereinsflieger sign-in successful", "club", c.cred.ClubID)
	return resp.AccessToken, nil
}

// call runs an authenticated request. A 401 on a cached token triggers one
// new sign-in and one retry.
func (c *Client) call(ctx context.Context, path string, form url.Values, out any) error {
	token, fresh, err := c.accessToken(ctx, "")
	if err != nil {
		return err
	}

	err = c.post(ctx, path, token, form, out)
	if !isUnauthorized(err) {
		return err
	}
	if fresh {
		c.dropToken(token)
		return err
	}

	slog.Debug("cached access token rejected, signing in again", "club", c.cred.ClubID, "path", path)
	token, _, err = c.accessToken(ctx, token)
	if err != nil {
		return err
	}
	err = c.post(ctx, path, token, form, out)
	if isUnauthorized(err) {
		slog.Warn("new access token rejected", "club", c.cred.ClubID, "path", path)
		c.dropToken(token)
	}
	return err
}

// post sends one form-encoded request and decodes a JSON answer into out
// when out is not nil.
func (c *Client) post(ctx context.Context, path, token string, form url.Values, out any) error {
	values := url.Values{}
	for k, v := range form {
		values[k] = v
	}
	if token != "" {
		values.Set("accesstoken", token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("vereinsflieger %s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vereinsflieger %s: %w: %w", path, ledger.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("vereinsflieger %s: read response: %w: %w", path, ledger.ErrNetworkTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newStatusError(path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newDecodeError(path, err)
	}
	return nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
