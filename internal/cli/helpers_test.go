package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
	"github.com/clubfridge/kiosk/internal/testutil"
)

// kiosk is a throwaway installation: a config file, a database and a fake
// remote shared by every command the test runs.
type kiosk struct {
	t      *testing.T
	dir    string
	db     string
	server *testutil.FakeServer
	clock  *testutil.FakeClock
	ids    *testutil.SequentialGenerator

	offline     bool
	credentials bool
}

func newKiosk(t *testing.T) *kiosk {
	t.Helper()
	dir := t.TempDir()
	server := testutil.NewFakeServer()
	server.SetCatalog(sampleCatalog())
	return &kiosk{
		t:           t,
		dir:         dir,
		db:          filepath.Join(dir, "kiosk.db"),
		server:      server,
		clock:       testutil.NewFakeClock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)),
		ids:         testutil.NewSequentialGenerator("sale"),
		credentials: true,
	}
}

func sampleCatalog() catalog.RemoteSnapshot {
	return catalog.RemoteSnapshot{
		Articles: []catalog.RemoteArticle{
			{ID: "ART42", Designation: "Club Mate", Prices: []catalog.RemotePrice{
				{ValidFrom: "2024-01-01", ValidTo: "2024-12-31", UnitPrice: "2.50"},
			}},
			{ID: "ART7", Designation: "Water", Prices: []catalog.RemotePrice{
				{ValidFrom: "2024-01-01", ValidTo: "2024-12-31", UnitPrice: "1.00"},
			}},
		},
		Members: []catalog.RemoteMember{
			{ID: "M1", Keycodes: []string{"KC123", "KC124"}, Firstname: "Ada", Lastname: "Lovelace"},
			{ID: "M2", Keycodes: []string{"KC200"}, Firstname: "Grace", Lastname: "Hopper"},
		},
	}
}

func (k *kiosk) writeConfig() string {
	k.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "database: %s\n", k.db)
	fmt.Fprintf(&b, "timezone: UTC\n")
	fmt.Fprintf(&b, "offline: %t\n", k.offline)
	if k.credentials {
		b.WriteString("club_id: 1\n")
		b.WriteString("credentials:\n")
		b.WriteString("  - club_id: 1\n    app_key: app\n    username: kiosk\n    password: secret\n")
	}
	path := filepath.Join(k.dir, "clubfridge.yaml")
	require.NoError(k.t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func (k *kiosk) command(stdin string, args ...string) (*bytes.Buffer, *bytes.Buffer, func(context.Context) error) {
	k.t.Helper()
	opts := &RootOptions{
		Remote: func(cred ledger.Credential) Remote { return k.server.Remote(cred) },
		Now:    k.clock.Now,
		IDs:    k.ids,
	}
	cmd := newRootCommand(opts)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{
		"--config", k.writeConfig(),
		"--env-file", filepath.Join(k.dir, "missing.env"),
	}, args...))
	return stdout, stderr, cmd.ExecuteContext
}

// run executes one command and returns its standard output.
func (k *kiosk) run(args ...string) (string, error) {
	k.t.Helper()
	stdout, _, execute := k.command("", args...)
	err := execute(context.Background())
	return stdout.String(), err
}

// mustRun executes a command that is expected to succeed.
func (k *kiosk) mustRun(args ...string) string {
	k.t.Helper()
	out, err := k.run(args...)
	require.NoError(k.t, err, out)
	return out
}

func (k *kiosk) openStore() *store.Store {
	k.t.Helper()
	st, err := store.Open(k.db)
	require.NoError(k.t, err)
	return st
}

// sales reads the ledger directly.
func (k *kiosk) sales() []ledger.Sale {
	k.t.Helper()
	st := k.openStore()
	defer st.Close()
	sales, err := st.ScanSales(context.Background(), store.SaleQuery{})
	require.NoError(k.t, err)
	return sales
}

// decode parses a JSON response and its data payload.
func decode(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var resp struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp.CLIResponse
}
