package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clubfridge/kiosk/internal/credential"
	"github.com/clubfridge/kiosk/internal/ledger"
)

// SetupOptions holds flags for the setup command.
type SetupOptions struct {
	*RootOptions
	ClubID   int
	AppKey   string
	Username string
	Password string
	NoVerify bool
}

// SetupResult is printed after a credential was stored.
type SetupResult struct {
	ClubID   int    `json:"club_id"`
	Username string `json:"username"`
	Verified bool   `json:"verified"`
}

func (r SetupResult) String() string {
	if r.Verified {
		return fmt.Sprintf("✓ Credential for club %d (%s) verified and saved", r.ClubID, r.Username)
	}
	return fmt.Sprintf("✓ Credential for club %d (%s) saved without verification", r.ClubID, r.Username)
}

// NewSetupCommand creates the setup command.
func NewSetupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Store the Vereinsflieger login of a club",
		Long: `Store the Vereinsflieger login of a club.

The login is checked against Vereinsflieger first and only saved if it is
accepted. A previously stored login for the club is replaced, and a sync
pause caused by a rejected login is lifted.

In offline mode, or with --no-verify, the login is saved unchecked.

Examples:
  clubfridge setup --club 42 --app-key KEY --username kiosk --password secret
  clubfridge setup --club 42 --app-key KEY --username kiosk --password secret --no-verify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.ClubID, "club", 0, "club id (required)")
	cmd.Flags().StringVar(&opts.AppKey, "app-key", "", "application key (required)")
	cmd.Flags().StringVar(&opts.Username, "username", "", "login name (required)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (required)")
	cmd.Flags().BoolVar(&opts.NoVerify, "no-verify", false, "save without checking the login")
	for _, name := range []string{"club", "app-key", "username", "password"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runSetup(opts *SetupOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	f := a.formatter(cmd)

	cred := ledger.Credential{
		ClubID:   opts.ClubID,
		AppKey:   opts.AppKey,
		Username: opts.Username,
		Password: opts.Password,
	}

	verify := !opts.NoVerify && !a.cfg.Offline
	if verify {
		f.VerboseLog("Verifying login for club %d...", cred.ClubID)
		err = a.creds.SetVerified(ctx, cred, func(ctx context.Context, c ledger.Credential) error {
			return a.remote(c).Authenticate(ctx)
		})
	} else {
		err = a.creds.Set(ctx, cred)
	}

	switch {
	case err == nil:
	case errors.Is(err, credential.ErrInvalid):
		_ = f.Error("INVALID_CREDENTIAL", err.Error(), nil)
		return WrapExitError(ExitCommandError, "credential not saved", err)
	case errors.Is(err, ledger.ErrAuthRejected):
		_ = f.Error("AUTH_REJECTED", "Vereinsflieger rejected the login", nil)
		return WrapExitError(ExitFailure, "credential not saved", err)
	case errors.Is(err, ledger.ErrNetworkTransient):
		_ = f.Error("NETWORK_TRANSIENT", "Vereinsflieger is not reachable; retry or use --no-verify", nil)
		return WrapExitError(ExitFailure, "credential not saved", err)
	default:
		return WrapExitError(ExitCommandError, "credential not saved", err)
	}

	return f.Success(SetupResult{ClubID: cred.ClubID, Username: cred.Username, Verified: verify})
}
