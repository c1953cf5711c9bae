package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/recorder"
)

// NewSellCommand creates the sell command.
func NewSellCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sell <keycode> <article>[:<quantity>]...",
		Short: "Record a sale",
		Long: `Record a sale for the member identified by keycode.

Each article is a barcode or article id, optionally followed by a colon and a
quantity (default 1). Several articles are recorded as one basket: either all
of them are stored or none.

The sale is stored locally. A running 'clubfridge run' uploads it; without
one, 'clubfridge sync' does.

Exit codes:
  0 - Sale recorded
  1 - Sale refused (unknown member or article, no price, bad quantity)
  2 - Command error (config, database)

Examples:
  clubfridge sell KC123 ART42
  clubfridge sell KC123 ART42:2 4006381333931`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSell(rootOpts, cmd, args[0], args[1:])
		},
	}
	return cmd
}

func runSell(opts *RootOptions, cmd *cobra.Command, keycode string, args []string) error {
	ctx := commandContext(cmd)

	items, err := parseItems(args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid article", err)
	}

	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	club, err := a.clubID(ctx)
	if err != nil {
		return err
	}

	rec := a.newRecorder(club, nil)
	return recordAndPrint(ctx, rec, a.formatter(cmd), keycode, items)
}

// recordAndPrint records one basket and prints the receipts or the refusal.
func recordAndPrint(ctx context.Context, rec *recorder.Recorder, f *OutputFormatter, keycode string, items []recorder.Item) error {
	receipts, err := rec.RecordBasket(ctx, keycode, items)
	if err != nil {
		return reportSaleError(f, err)
	}

	views := make([]receiptView, len(receipts))
	for i, r := range receipts {
		views[i] = newReceiptView(r)
	}
	if f.IsJSON() {
		return f.Success(views)
	}
	for _, v := range views {
		if err := f.Success(v); err != nil {
			return err
		}
	}
	return nil
}

// reportSaleError prints a recorder refusal and maps it to an exit code.
func reportSaleError(f *OutputFormatter, err error) error {
	var se *recorder.SaleError
	if !errors.As(err, &se) {
		return WrapExitError(ExitCommandError, "failed to record sale", err)
	}

	details := map[string]string{}
	if se.Keycode != "" {
		details["keycode"] = se.Keycode
	}
	if se.ArticleID != "" {
		details["article"] = se.ArticleID
	}
	if perr := f.Error(string(se.Code), se.Message, details); perr != nil {
		return perr
	}

	code := ExitFailure
	if se.Code == recorder.ErrCodeStorage {
		code = ExitCommandError
	}
	return WrapExitError(code, "sale not recorded", err)
}

// parseItems parses "ART" and "ART:QTY" arguments.
func parseItems(args []string) ([]recorder.Item, error) {
	items := make([]recorder.Item, 0, len(args))
	for _, arg := range args {
		id, qty, found := strings.Cut(arg, ":")
		quantity := 1
		if found {
			n, err := strconv.Atoi(qty)
			if err != nil {
				return nil, fmt.Errorf("%q: quantity must be a number", arg)
			}
			quantity = n
		}
		if id == "" {
			return nil, fmt.Errorf("%q: article is empty", arg)
		}
		items = append(items, recorder.Item{ArticleID: id, Quantity: quantity})
	}
	return items, nil
}

// receiptView is the printed form of a receipt.
type receiptView struct {
	SaleID      string          `json:"sale_id"`
	Date        time.Time       `json:"date"`
	MemberID    string          `json:"member_id"`
	ArticleID   string          `json:"article_id"`
	Designation string          `json:"designation"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

func newReceiptView(r ledger.Receipt) receiptView {
	return receiptView{
		SaleID:      r.SaleID,
		Date:        r.Date.UTC(),
		MemberID:    r.MemberID,
		ArticleID:   r.ArticleID,
		Designation: r.Designation,
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice,
		Total:       r.Total,
	}
}

func (v receiptView) String() string {
	return fmt.Sprintf("✓ %s  %d x %s (%s) à %s = %s  member %s  [%s]",
		v.Date.Format(time.DateTime), v.Quantity, v.Designation, v.ArticleID,
		v.UnitPrice.StringFixed(2), v.Total.StringFixed(2), v.MemberID, v.SaleID)
}
