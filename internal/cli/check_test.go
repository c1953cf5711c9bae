package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func runCheckCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"check"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCheck_MissingArgs(t *testing.T) {
	_, err := runCheckCommand(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestCheck_NonExistentDir(t *testing.T) {
	_, err := runCheckCommand(t, "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestCheck_EmptyDir(t *testing.T) {
	out, err := runCheckCommand(t, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestCheck_HarnessScenarios(t *testing.T) {
	out, err := runCheckCommand(t, harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ sell_and_sync")
	assert.Contains(t, out, "✓ crash_recovery")
	assert.Contains(t, out, "0 failed")
}

func TestCheck_Filter(t *testing.T) {
	out, err := runCheckCommand(t, harnessScenarios, "--filter", "auth_*", "--format", "json")
	require.NoError(t, err, out)

	var result CheckResult
	resp := decode(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, result.Total)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "auth_backoff", result.Scenarios[0].Name)
	assert.True(t, result.Scenarios[0].Pass)
}

func TestCheck_GoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "sell_and_sync.golden"), []byte("{}\n"), 0644))

	out, err := runCheckCommand(t, harnessScenarios, "--filter", "sell_and_sync", "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ sell_and_sync")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestCheck_UpdateWritesGolden(t *testing.T) {
	golden := filepath.Join(t.TempDir(), "golden")

	_, err := runCheckCommand(t, harnessScenarios, "--filter", "sell_and_sync", "--golden", golden, "--update")
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(golden, "sell_and_sync.golden"))
	require.NoError(t, err)
	expected, err := os.ReadFile(filepath.Join(harnessGolden, "sell_and_sync.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(written))
}

func TestCheck_UpdateRequiresGolden(t *testing.T) {
	_, err := runCheckCommand(t, harnessScenarios, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCheck_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	content := `
name: wrong_expectation
description: "Expects a sale for an unknown member"
catalog:
  articles:
    - id: ART42
      designation: Club Mate
      prices:
        - { valid_from: "2024-01-01", valid_to: "2024-12-31", unit_price: "2.50" }
  members:
    - { id: M1, keycodes: [KC123], firstname: Ada, lastname: Lovelace }
credentials:
  - { club_id: 1, app_key: app, username: kiosk, password: secret }
steps:
  - sell: { keycode: KC999, items: [ART42] }
assertions:
  - type: ledger_count
    count: 1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(content), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0644))

	out, err := runCheckCommand(t, dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CHECK_FAILED", resp.Error.Code)
	assert.Equal(t, "2 scenario(s) failed", resp.Error.Message)
}
