// Package auth verifies S3-style request credentials.
package auth

import (
	"context"
	"errors"
	"net/http"
)

// ErrAccessDenied is returned when a request carries credentials that do not
// verify.
var ErrAccessDenied = errors.New("access denied")

// Principal identifies the caller of an authenticated request.
type Principal struct {
	AccessKeyID string
	Method      string
}

type Authenticator interface {

	// Authenticate inspects the request for credentials it understands. It
	// returns (nil, nil) when the request carries none, and ErrAccessDenied
	// when it carries credentials that fail verification.
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}

// Credentials is a single access key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Chain tries each authenticator in order and returns the first principal.
// A verification failure stops the chain.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	for _, a := range c {
		p, err := a.Authenticate(ctx, r)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return nil, nil
}

// Default accepts SigV4 and Basic credentials for the same key pair.
func Default(creds Credentials) Chain {
	return Chain{NewSigV4(creds), NewBasic(creds)}
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
