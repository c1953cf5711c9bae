package syncer

import (
	"context"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// Remote is a client of the remote accounting service bound to one club
// credential. Implementations wrap ledger.ErrNetworkTransient,
// ledger.ErrAuthRejected or ledger.ErrValidationRejected so the engine can
// classify failures.
type Remote interface {
	// Authenticate checks the credential without side effects.
	Authenticate(ctx context.Context) error

	// SubmitSale books a sale. The sale id is sent along as idempotency key.
	SubmitSale(ctx context.Context, sale ledger.Sale) error

	// LookupSale reports whether the remote already booked the sale.
	LookupSale(ctx context.Context, sale ledger.Sale) (bool, error)
}

// RemoteFactory builds a Remote for a credential.
type RemoteFactory func(cred ledger.Credential) Remote

type remoteEntry struct {
	cred   ledger.Credential
	remote Remote
}

// remoteFor returns the cached client for cred's club, rebuilding it when
// the credential changed. Called with cycleMu held.
func (e *Engine) remoteFor(cred ledger.Credential) Remote {
	if ent, ok := e.remotes[cred.ClubID]; ok && ent.cred == cred {
		return ent.remote
	}
	r := e.factory(cred)
	e.remotes[cred.ClubID] = remoteEntry{cred: cred, remote: r}
	return r
}
