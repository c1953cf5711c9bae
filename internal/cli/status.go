package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// StatusResult is the output of the status command.
type StatusResult struct {
	Database string        `json:"database"`
	Offline  bool          `json:"offline"`
	Catalog  CatalogStatus `json:"catalog"`
	Sales    SalesStatus   `json:"sales"`
	Clubs    []ClubStatus  `json:"clubs"`
}

// CatalogStatus describes the published catalog generation.
type CatalogStatus struct {
	Generation  uint64 `json:"generation"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
	Articles    int    `json:"articles"`
	Members     int    `json:"members"`
}

// SalesStatus counts ledger entries by sync state.
type SalesStatus struct {
	Unsynced       int    `json:"unsynced"`
	Syncing        int    `json:"syncing"`
	Synced         int    `json:"synced"`
	OldestUnsynced string `json:"oldest_unsynced,omitempty"`
}

// ClubStatus describes one configured club.
type ClubStatus struct {
	ClubID            int    `json:"club_id"`
	Username          string `json:"username"`
	AuthFailures      int    `json:"auth_failures"`
	NextAuthAttemptAt string `json:"next_auth_attempt_at,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	mode := "online"
	if r.Offline {
		mode = "offline"
	}
	fmt.Fprintf(&b, "Database: %s (%s)\n", r.Database, mode)

	if r.Catalog.Generation == 0 {
		b.WriteString("Catalog:  empty, run 'clubfridge refresh'\n")
	} else {
		fmt.Fprintf(&b, "Catalog:  generation %d, %d articles, %d members, refreshed %s\n",
			r.Catalog.Generation, r.Catalog.Articles, r.Catalog.Members, r.Catalog.RefreshedAt)
	}

	fmt.Fprintf(&b, "Sales:    %d unsynced, %d syncing, %d synced", r.Sales.Unsynced, r.Sales.Syncing, r.Sales.Synced)
	if r.Sales.OldestUnsynced != "" {
		fmt.Fprintf(&b, " (oldest pending %s)", r.Sales.OldestUnsynced)
	}

	if len(r.Clubs) == 0 {
		b.WriteString("\nClubs:    none configured")
	}
	for _, c := range r.Clubs {
		fmt.Fprintf(&b, "\nClub %d:  %s", c.ClubID, c.Username)
		if c.AuthFailures > 0 {
			fmt.Fprintf(&b, ", authentication rejected %d time(s), next attempt %s: %s",
				c.AuthFailures, c.NextAuthAttemptAt, c.LastError)
		}
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show catalog, ledger and club state",
		Long: `Show the local state of the kiosk without contacting the remote.

Examples:
  clubfridge status
  clubfridge status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.catalog.Snapshot()
	result := StatusResult{
		Database: a.cfg.Database,
		Offline:  a.cfg.Offline,
		Catalog: CatalogStatus{
			Generation:  snap.Generation(),
			RefreshedAt: formatTimestamp(snap.RefreshedAt()),
			Articles:    snap.ArticleCount(),
			Members:     snap.MemberCount(),
		},
		Clubs: []ClubStatus{},
	}

	counts, err := a.store.CountSales(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count sales", err)
	}
	result.Sales = SalesStatus{
		Unsynced:       counts.Unsynced,
		Syncing:        counts.Syncing,
		Synced:         counts.Synced,
		OldestUnsynced: formatTimestamp(counts.OldestUnsynced),
	}

	creds, err := a.store.ReadCredentials(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read credentials", err)
	}
	for _, cred := range creds {
		state, err := a.store.ReadClubSyncState(ctx, cred.ClubID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read club state", err)
		}
		result.Clubs = append(result.Clubs, ClubStatus{
			ClubID:            cred.ClubID,
			Username:          cred.Username,
			AuthFailures:      state.AuthFailures,
			NextAuthAttemptAt: formatTimestamp(state.NextAuthAttemptAt),
			LastError:         state.LastError,
		})
	}

	return a.formatter(cmd).Success(result)
}
