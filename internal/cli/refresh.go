package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// RefreshOutput is the output of the refresh command.
type RefreshOutput struct {
	Generation uint64 `json:"generation"`
	Changed    bool   `json:"changed"`
	Articles   int    `json:"articles"`
	Members    int    `json:"members"`
	Dropped    int    `json:"dropped"`
}

func (r RefreshOutput) String() string {
	if !r.Changed {
		return fmt.Sprintf("Catalog unchanged (generation %d, %d articles, %d members)", r.Generation, r.Articles, r.Members)
	}
	s := fmt.Sprintf("Catalog updated to generation %d: %d articles, %d members", r.Generation, r.Articles, r.Members)
	if r.Dropped > 0 {
		s += fmt.Sprintf(", %d invalid item(s) dropped", r.Dropped)
	}
	return s
}

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Pull articles and members from the remote",
		Long: `Fetch the article and member lists and replace the local catalog.

A failed refresh leaves the previous catalog in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(rootOpts, cmd)
		},
	}
	return cmd
}

func runRefresh(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireOnline("refresh"); err != nil {
		return err
	}

	refresher, err := a.newRefresher(ctx)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		return WrapExitError(ExitCommandError, "invalid catalog schedule", err)
	}

	f := a.formatter(cmd)
	res, err := refresher.RefreshNow(ctx)
	if err != nil {
		if perr := f.Error("CATALOG_REFRESH_FAILED", err.Error(), nil); perr != nil {
			return perr
		}
		return WrapExitError(ExitFailure, "catalog refresh failed", err)
	}

	return f.Success(RefreshOutput{
		Generation: res.Generation,
		Changed:    res.Changed,
		Articles:   res.Articles,
		Members:    res.Members,
		Dropped:    res.Dropped,
	})
}
