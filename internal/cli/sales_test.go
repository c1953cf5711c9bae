package cli

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSales_JSONGolden(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")
	k.mustRun("sell", "KC123", "ART42:2", "ART7")

	out := k.mustRun("--format", "json", "sales")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "sales_list_json", []byte(out))
}

func TestSales_Text(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")
	k.mustRun("sell", "KC123", "ART42:2")

	out := k.mustRun("sales")
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "sale-0001")
	assert.Contains(t, out, "5.00")
	assert.Contains(t, out, "1 sale(s)")
}

func TestSales_Empty(t *testing.T) {
	k := newKiosk(t)

	out := k.mustRun("sales")
	assert.Contains(t, out, "No sales found.")
}

func TestSales_Filters(t *testing.T) {
	k := newKiosk(t)
	k.mustRun("refresh")
	k.mustRun("sell", "KC123", "ART42")
	k.mustRun("sell", "KC200", "ART7")
	k.mustRun("sell", "KC124", "ART7")
	k.mustRun("sync")
	k.mustRun("sell", "KC200", "ART42")

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "all", want: []string{"sale-0001", "sale-0002", "sale-0003", "sale-0004"}},
		{name: "member", args: []string{"--member", "M2"}, want: []string{"sale-0002", "sale-0004"}},
		{name: "state", args: []string{"--state", "unsynced"}, want: []string{"sale-0004"}},
		{name: "limit", args: []string{"--limit", "2"}, want: []string{"sale-0001", "sale-0002"}},
		{name: "other club", args: []string{"--club", "2"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := k.mustRun(append([]string{"--format", "json", "sales"}, tt.args...)...)

			var result SalesResult
			decode(t, out, &result)
			ids := make([]string, 0, len(result.Sales))
			for _, s := range result.Sales {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), result.Count)
		})
	}
}

func TestSales_InvalidState(t *testing.T) {
	k := newKiosk(t)

	_, err := k.run("sales", "--state", "lost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
