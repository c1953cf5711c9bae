package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/ledger"
)

// FakeServer is an in-memory stand-in for the remote accounting service.
// Remotes created with Remote share its state, so a test can look at what
// the "server" booked regardless of which client sent it.
//
// Thread-safety: All methods are safe for concurrent use.
type FakeServer struct {
	mu        sync.Mutex
	passwords map[int]string
	entries   []ledger.Sale
	queued    []error
	loseAcks  int
	offline   bool
	calls     map[string]int
	snapshot  catalog.RemoteSnapshot
}

// NewFakeServer creates a server that accepts every complete credential.
func NewFakeServer() *FakeServer {
	return &FakeServer{
		passwords: make(map[int]string),
		calls:     make(map[string]int),
	}
}

// AcceptPassword restricts club clubID to the given password. Other
// passwords are answered with ledger.ErrAuthRejected.
func (s *FakeServer) AcceptPassword(clubID int, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[clubID] = password
}

// SetOffline makes every call fail with ledger.ErrNetworkTransient.
func (s *FakeServer) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// LoseAcks makes the next n submissions succeed on the server but answer the
// client with a transient error, as if the connection dropped after the
// request was processed.
func (s *FakeServer) LoseAcks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseAcks = n
}

// FailNext queues errors returned by the next submissions, in order. A
// submission that fails this way is not booked.
func (s *FakeServer) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, errs...)
}

// SetCatalog sets the snapshot returned by FetchCatalog.
func (s *FakeServer) SetCatalog(snap catalog.RemoteSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
}

// Entries returns every booked sale in booking order.
func (s *FakeServer) Entries() []ledger.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Sale, len(s.entries))
	copy(out, s.entries)
	return out
}

// EntriesFor returns how often a sale id was booked. Anything but 0 or 1
// is a double booking.
func (s *FakeServer) EntriesFor(saleID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.ID == saleID {
			n++
		}
	}
	return n
}

// Calls returns how often a method ("Authenticate", "SubmitSale",
// "LookupSale", "FetchCatalog") was called.
func (s *FakeServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// FetchCatalog implements catalog.Source.
func (s *FakeServer) FetchCatalog(ctx context.Context) (catalog.RemoteSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["FetchCatalog"]++
	if s.offline {
		return catalog.RemoteSnapshot{}, fmt.Errorf("fetch catalog: %w", ledger.ErrNetworkTransient)
	}
	return s.snapshot, nil
}

// Remote returns a client bound to cred.
func (s *FakeServer) Remote(cred ledger.Credential) *FakeRemote {
	return &FakeRemote{server: s, cred: cred}
}

// FakeRemote is one club's client of a FakeServer.
type FakeRemote struct {
	server *FakeServer
	cred   ledger.Credential
}

// Credential returns the credential the remote was built with.
func (r *FakeRemote) Credential() ledger.Credential {
	return r.cred
}

// Authenticate checks the credential.
func (r *FakeRemote) Authenticate(ctx context.Context) error {
	s := r.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Authenticate"]++
	return r.checkLocked()
}

// SubmitSale books a sale.
func (r *FakeRemote) SubmitSale(ctx context.Context, sale ledger.Sale) error {
	s := r.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["SubmitSale"]++

	if err := r.checkLocked(); err != nil {
		return err
	}
	if len(s.queued) > 0 {
		err := s.queued[0]
		s.queued = s.queued[1:]
		return err
	}

	s.entries = append(s.entries, sale)
	if s.loseAcks > 0 {
		s.loseAcks--
		return fmt.Errorf("submit sale %s: acknowledgement lost: %w", sale.ID, ledger.ErrNetworkTransient)
	}
	return nil
}

// LookupSale reports whether the sale was booked.
func (r *FakeRemote) LookupSale(ctx context.Context, sale ledger.Sale) (bool, error) {
	s := r.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["LookupSale"]++

	if err := r.checkLocked(); err != nil {
		return false, err
	}
	for _, e := range s.entries {
		if e.ID == sale.ID {
			return true, nil
		}
	}
	return false, nil
}

func (r *FakeRemote) checkLocked() error {
	s := r.server
	if s.offline {
		return fmt.Errorf("fake server offline: %w", ledger.ErrNetworkTransient)
	}
	if !r.cred.Valid() {
		return fmt.Errorf("incomplete credential for club %d: %w", r.cred.ClubID, ledger.ErrAuthRejected)
	}
	if want, ok := s.passwords[r.cred.ClubID]; ok && want != r.cred.Password {
		return fmt.Errorf("wrong password for club %d: %w", r.cred.ClubID, ledger.ErrAuthRejected)
	}
	return nil
}

// FetchCatalog returns the server catalog after checking the credential.
func (r *FakeRemote) FetchCatalog(ctx context.Context) (catalog.RemoteSnapshot, error) {
	s := r.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["FetchCatalog"]++

	if err := r.checkLocked(); err != nil {
		return catalog.RemoteSnapshot{}, err
	}
	return s.snapshot, nil
}
