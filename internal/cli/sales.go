package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
)

// SalesOptions holds flags for the sales command.
type SalesOptions struct {
	*RootOptions
	State    string
	ClubID   int
	MemberID string
	Limit    int
}

// SaleView is the printed form of a ledger entry.
type SaleView struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	ClubID         int             `json:"club_id"`
	Date           string          `json:"date"`
	MemberID       string          `json:"member_id"`
	ArticleID      string          `json:"article_id"`
	Amount         int             `json:"amount"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Total          decimal.Decimal `json:"total"`
	SyncState      string          `json:"sync_state"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  string          `json:"next_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	NeedsReconcile bool            `json:"needs_reconcile"`
	SyncedAt       string          `json:"synced_at,omitempty"`
}

// SalesResult is the output of the sales command.
type SalesResult struct {
	Sales []SaleView `json:"sales"`
	Count int        `json:"count"`
}

// NewSalesCommand creates the sales command.
func NewSalesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SalesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sales",
		Short: "List recorded sales",
		Long: `List sales from the local ledger in recording order.

Examples:
  clubfridge sales
  clubfridge sales --state unsynced
  clubfridge sales --member 1001 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSales(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "filter by sync state (unsynced|syncing|synced)")
	cmd.Flags().IntVar(&opts.ClubID, "club", 0, "filter by club id")
	cmd.Flags().StringVar(&opts.MemberID, "member", "", "filter by member id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of sales (0 = all)")

	return cmd
}

func runSales(opts *SalesOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	q := store.SaleQuery{
		ClubID:   opts.ClubID,
		MemberID: opts.MemberID,
		Limit:    opts.Limit,
	}
	if opts.State != "" {
		state, err := ledger.ParseSyncState(opts.State)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --state", err)
		}
		q.State = state
	}

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sales, err := a.store.ScanSales(ctx, q)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read sales", err)
	}

	result := SalesResult{Sales: make([]SaleView, len(sales)), Count: len(sales)}
	for i, s := range sales {
		result.Sales[i] = newSaleView(s)
	}

	f := a.formatter(cmd)
	if f.IsJSON() {
		return f.Success(result)
	}
	return outputSalesText(cmd, result)
}

func newSaleView(s ledger.Sale) SaleView {
	return SaleView{
		Seq:            s.Seq,
		ID:             s.ID,
		ClubID:         s.ClubID,
		Date:           formatTimestamp(s.Date),
		MemberID:       s.MemberID,
		ArticleID:      s.ArticleID,
		Amount:         s.Amount,
		UnitPrice:      s.UnitPrice,
		Total:          s.Total,
		SyncState:      string(s.SyncState),
		Attempts:       s.Attempts,
		NextAttemptAt:  formatTimestamp(s.NextAttemptAt),
		LastError:      s.LastError,
		NeedsReconcile: s.NeedsReconcile,
		SyncedAt:       formatTimestamp(s.SyncedAt),
	}
}

// formatTimestamp renders t in UTC, or "" for the zero time.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func outputSalesText(cmd *cobra.Command, result SalesResult) error {
	w := cmd.OutOrStdout()
	if result.Count == 0 {
		fmt.Fprintln(w, "No sales found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tDATE\tMEMBER\tARTICLE\tQTY\tTOTAL\tSTATE\tATTEMPTS\tID")
	for _, s := range result.Sales {
		state := s.SyncState
		if s.NeedsReconcile {
			state += "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			s.Seq, s.Date, s.MemberID, s.ArticleID, s.Amount, s.Total.StringFixed(2), state, s.Attempts, s.ID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d sale(s)\n", result.Count)
	return nil
}
