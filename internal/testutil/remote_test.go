package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubfridge/kiosk/internal/catalog"
	"github.com/clubfridge/kiosk/internal/ledger"
)

var testCred = ledger.Credential{ClubID: 1, AppKey: "key", Username: "kiosk", Password: "secret"}

func TestFakeServer_BooksSales(t *testing.T) {
	server := NewFakeServer()
	remote := server.Remote(testCred)
	ctx := context.Background()

	require.NoError(t, remote.SubmitSale(ctx, ledger.Sale{ID: "sale-1"}))

	found, err := remote.LookupSale(ctx, ledger.Sale{ID: "sale-1"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, server.EntriesFor("sale-1"))
	assert.Equal(t, 1, server.Calls("SubmitSale"))
}

func TestFakeServer_LoseAcks(t *testing.T) {
	server := NewFakeServer()
	remote := server.Remote(testCred)
	server.LoseAcks(1)

	err := remote.SubmitSale(context.Background(), ledger.Sale{ID: "sale-1"})
	assert.ErrorIs(t, err, ledger.ErrNetworkTransient)
	assert.Equal(t, 1, server.EntriesFor("sale-1"), "the server booked the sale anyway")

	require.NoError(t, remote.SubmitSale(context.Background(), ledger.Sale{ID: "sale-2"}))
}

func TestFakeServer_RejectsWrongPassword(t *testing.T) {
	server := NewFakeServer()
	server.AcceptPassword(1, "other")

	err := server.Remote(testCred).Authenticate(context.Background())
	assert.ErrorIs(t, err, ledger.ErrAuthRejected)

	right := testCred
	right.Password = "other"
	assert.NoError(t, server.Remote(right).Authenticate(context.Background()))
}

func TestFakeServer_FailNextAndOffline(t *testing.T) {
	server := NewFakeServer()
	remote := server.Remote(testCred)
	boom := errors.New("boom")
	server.FailNext(boom)

	assert.ErrorIs(t, remote.SubmitSale(context.Background(), ledger.Sale{ID: "sale-1"}), boom)
	assert.Empty(t, server.Entries())

	server.SetOffline(true)
	_, err := remote.LookupSale(context.Background(), ledger.Sale{ID: "sale-1"})
	assert.ErrorIs(t, err, ledger.ErrNetworkTransient)
	_, err = server.FetchCatalog(context.Background())
	assert.ErrorIs(t, err, ledger.ErrNetworkTransient)
}

func TestFakeRemote_FetchCatalogChecksCredential(t *testing.T) {
	server := NewFakeServer()
	snap := catalog.RemoteSnapshot{Articles: []catalog.RemoteArticle{{ID: "ART42", Designation: "Cola"}}}
	server.SetCatalog(snap)
	server.AcceptPassword(1, "secret")

	got, err := server.Remote(testCred).FetchCatalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	wrong := testCred
	wrong.Password = "typo"
	_, err = server.Remote(wrong).FetchCatalog(context.Background())
	assert.ErrorIs(t, err, ledger.ErrAuthRejected)
	assert.Equal(t, 2, server.Calls("FetchCatalog"))
}
