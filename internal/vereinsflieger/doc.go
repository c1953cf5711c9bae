// Package vereinsflieger is a client for the Vereinsflieger REST interface.
//
// Every call is a form-encoded POST below the base URL. A session starts
// with auth/accesstoken, which hands out an anonymous token, followed by
// auth/signin, which binds that token to a club login. The password is sent
// as its hex MD5 digest, as the interface expects.
//
// The client caches the signed-in token and shares it between concurrent
// calls. When a call made with a cached token is answered with 401 the
// client signs in again once and repeats the call; a 401 on a fresh token is
// returned to the caller.
//
// Failures are mapped onto the ledger error classes so that callers can
// decide with errors.Is:
//
//	401, 403                    ledger.ErrAuthRejected
//	408, 429, 5xx, transport    ledger.ErrNetworkTransient
//	other 4xx, undecodable body ledger.ErrValidationRejected
//
// A Client implements both the sync engine's Remote and catalog.Source.
package vereinsflieger
