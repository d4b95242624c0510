package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// Basic verifies HTTP Basic credentials against a single key pair.
type Basic struct {
	creds Credentials
}

func NewBasic(creds Credentials) *Basic {
	return &Basic{creds: creds}
}

func (b *Basic) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.creds.AccessKeyID)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(b.creds.SecretAccessKey)) == 1
	if !userOK || !passOK {
		return nil, ErrAccessDenied
	}

	return &Principal{AccessKeyID: user, Method: "basic"}, nil
}
