package testutil

import (
	"context"
	"net/http"

	relay "github.com/modelrelay/relay/internal"
)

// FakeAuth authenticates every request as the configured principal.
// A nil Principal means an unrestricted anonymous caller.
type FakeAuth struct {
	Principal *relay.Principal
}

// Authenticate returns the configured principal.
func (f FakeAuth) Authenticate(context.Context, *http.Request) (*relay.Principal, error) {
	if f.Principal != nil {
		return f.Principal, nil
	}
	return &relay.Principal{}, nil
}

// RejectAuth rejects every request.
type RejectAuth struct{}

// Authenticate always returns ErrAuthRequired.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*relay.Principal, error) {
	return nil, relay.ErrAuthRequired
}
