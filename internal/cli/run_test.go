package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RecordsScansUntilEndOfInput(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")

	input := "KC123 ART42:2\n" +
		"\n" +
		"KC999 ART42\n" +
		"KC123\n" +
		"KC200 ART7 ART42\n"
	stdout, _, execute := k.command(input, "run")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, execute(ctx))

	out := stdout.String()
	assert.Contains(t, out, "Kiosk ready.")
	assert.Contains(t, out, "2 x Club Mate (ART42)")
	assert.Contains(t, out, "Error [UNKNOWN_MEMBER]")
	assert.Contains(t, out, "Error [INVALID_INPUT]")
	assert.Contains(t, out, "1 x Water (ART7)")

	sales := k.sales()
	require.Len(t, sales, 3)
	assert.Equal(t, "M1", sales[0].MemberID)
	assert.Equal(t, "M2", sales[1].MemberID)
	assert.Equal(t, "M2", sales[2].MemberID)
}

func TestRun_SyncsInBackground(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")
	k.mustRun("sell", "KC123", "ART42")

	_, _, execute := k.command("", "run", "--no-input")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- execute(ctx) }()

	require.Eventually(t, func() bool {
		return len(k.server.Entries()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	assert.Equal(t, "sale-0001", k.server.Entries()[0].ID)
}

func TestRun_OfflineModeStaysLocal(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")
	k.offline = true

	stdout, _, execute := k.command("KC123 ART42\n", "run")
	require.NoError(t, execute(context.Background()))

	assert.Contains(t, stdout.String(), "1 x Club Mate (ART42)")
	assert.Len(t, k.sales(), 1)
	assert.Zero(t, k.server.Calls("SubmitSale"))
	assert.Equal(t, 1, k.server.Calls("FetchCatalog"))
}

func TestRun_JSONOutput(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")
	k.offline = true

	stdout, _, execute := k.command("KC123 ART7\n", "--format", "json", "run")
	require.NoError(t, execute(context.Background()))

	var receipts []receiptView
	resp := decode(t, stdout.String(), &receipts)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, receipts, 1)
	assert.Equal(t, "sale-0001", receipts[0].SaleID)
}

func TestRun_RequiresClub(t *testing.T) {
	k := newKiosk(t)
	k.credentials = false

	_, err := k.run("run", "--no-input")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no club configured")
}
