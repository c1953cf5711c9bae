package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
)

func setupArgs(password string, extra ...string) []string {
	args := []string{"setup", "--club", "7", "--app-key", "app", "--username", "kiosk", "--password", password}
	return append(args, extra...)
}

func (k *kiosk) credential(clubID int) (ledger.Credential, error) {
	k.t.Helper()
	st := k.openStore()
	defer st.Close()
	return st.ReadCredential(context.Background(), clubID)
}

func TestSetup_StoresVerifiedCredential(t *testing.T) {
	k := newKiosk(t)
	k.credentials = false

	out := k.mustRun(setupArgs("secret")...)

	assert.Contains(t, out, "Credential for club 7 (kiosk) verified and saved")
	assert.Equal(t, 1, k.server.Calls("Authenticate"))

	cred, err := k.credential(7)
	require.NoError(t, err)
	assert.Equal(t, ledger.Credential{ClubID: 7, AppKey: "app", Username: "kiosk", Password: "secret"}, cred)
}

func TestSetup_RejectedCredentialNotStored(t *testing.T) {
	k := newKiosk(t)
	k.credentials = false
	k.server.AcceptPassword(7, "right")

	out, err := k.run(append([]string{"--format", "json"}, setupArgs("wrong")...)...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AUTH_REJECTED", resp.Error.Code)

	_, err = k.credential(7)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetup_UnreachableRemote(t *testing.T) {
	k := newKiosk(t)
	k.credentials = false
	k.server.SetOffline(true)

	out, err := k.run(setupArgs("secret")...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NETWORK_TRANSIENT]")

	_, err = k.credential(7)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetup_NoVerify(t *testing.T) {
	k := newKiosk(t)
	k.credentials = false
	k.server.SetOffline(true)

	out := k.mustRun(setupArgs("secret", "--no-verify")...)

	assert.Contains(t, out, "saved without verification")
	assert.Zero(t, k.server.Calls("Authenticate"))
	_, err := k.credential(7)
	assert.NoError(t, err)
}

func TestSetup_OfflineModeSkipsVerification(t *testing.T) {
	k := newKiosk(t)
	k.credentials = false
	k.offline = true

	out := k.mustRun(append([]string{"--format", "json"}, setupArgs("secret")...)...)

	var result SetupResult
	decode(t, out, &result)
	assert.False(t, result.Verified)
	assert.Zero(t, k.server.Calls("Authenticate"))
}

func TestSetup_IncompleteCredential(t *testing.T) {
	k := newKiosk(t)
	k.credentials = false

	out, err := k.run("setup", "--club", "7", "--app-key", "app", "--username", "kiosk", "--password", "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [INVALID_CREDENTIAL]")
	assert.Zero(t, k.server.Calls("Authenticate"))
}

func TestSetup_ClearsAuthPause(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")
	k.mustRun("sell", "KC123", "ART42")

	k.server.AcceptPassword(1, "new-secret")
	_, err := k.run("sync")
	require.Error(t, err)
	assert.Empty(t, k.server.Entries())

	k.credentials = false
	k.mustRun("setup", "--club", "1", "--app-key", "app", "--username", "kiosk", "--password", "new-secret")
	k.mustRun("sync")

	entries := k.server.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "sale-0001", entries[0].ID)
}
