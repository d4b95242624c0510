package auth_test

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ledgerbucket/internal/auth"
)

var (
	testCreds = auth.Credentials{AccessKeyID: "ledgeradmin", SecretAccessKey: "ledgersecret"}
	testNow   = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
)

func signRequestSigV4(t *testing.T, r *http.Request, creds auth.Credentials, at time.Time) {
	t.Helper()

	const (
		region  = "us-east-1"
		service = "s3"
	)

	amzDate := at.Format(auth.AmzDateFormat)
	dateStamp := at.Format("20060102")

	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}
	r.Header.Set("X-Amz-Date", amzDate)

	signed := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	scope := auth.Scope(dateStamp, region, service)
	sts := auth.StringToSign(amzDate, scope, auth.CanonicalRequest(r, signed, r.Header.Get("X-Amz-Content-Sha256")))
	sig := auth.Sign(auth.SigningKey(creds.SecretAccessKey, dateStamp, region, service), sts)

	r.Header.Set("Authorization", strings.Join([]string{
		auth.SigV4Algorithm + " Credential=" + creds.AccessKeyID + "/" + scope,
		"SignedHeaders=" + strings.Join(signed, ";"),
		"Signature=" + hex.EncodeToString(sig),
	}, ", "))
}

func newSigV4() *auth.SigV4 {
	return auth.NewSigV4(testCreds, auth.WithClock(func() time.Time { return testNow }))
}

func TestSigV4Succeeds(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/docs/a%20b.txt?prefix=x&max-keys=2", nil)
	signRequestSigV4(t, req, testCreds, testNow)

	p, err := newSigV4().Authenticate(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "ledgeradmin", p.AccessKeyID)
	require.Equal(t, "sigv4", p.Method)
}

func TestSigV4Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(r *http.Request)
		creds  auth.Credentials
		at     time.Time
	}{
		{
			name:   "corrupt signature",
			mutate: func(r *http.Request) { r.Header.Set("Authorization", r.Header.Get("Authorization")+"00") },
			creds:  testCreds,
			at:     testNow,
		},
		{
			name:   "tampered path",
			mutate: func(r *http.Request) { r.URL.Path = "/docs/other.txt" },
			creds:  testCreds,
			at:     testNow,
		},
		{
			name:  "wrong secret",
			creds: auth.Credentials{AccessKeyID: testCreds.AccessKeyID, SecretAccessKey: "nope"},
			at:    testNow,
		},
		{
			name:  "unknown access key",
			creds: auth.Credentials{AccessKeyID: "someone", SecretAccessKey: testCreds.SecretAccessKey},
			at:    testNow,
		},
		{
			name:  "clock skew",
			creds: testCreds,
			at:    testNow.Add(-time.Hour),
		},
		{
			name:   "missing payload hash",
			mutate: func(r *http.Request) { r.Header.Del("X-Amz-Content-Sha256") },
			creds:  testCreds,
			at:     testNow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/docs/a.txt", nil)
			signRequestSigV4(t, req, tt.creds, tt.at)
			if tt.mutate != nil {
				tt.mutate(req)
			}

			p, err := newSigV4().Authenticate(t.Context(), req)
			require.ErrorIs(t, err, auth.ErrAccessDenied)
			require.Nil(t, p)
		})
	}
}

func TestSigV4IgnoresOtherSchemes(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/docs", nil)
	req.SetBasicAuth("ledgeradmin", "ledgersecret")

	p, err := newSigV4().Authenticate(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestBasic(t *testing.T) {
	t.Parallel()

	b := auth.NewBasic(testCreds)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	p, err := b.Authenticate(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, p)

	req.SetBasicAuth("ledgeradmin", "ledgersecret")
	p, err = b.Authenticate(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, &auth.Principal{AccessKeyID: "ledgeradmin", Method: "basic"}, p)

	req.SetBasicAuth("ledgeradmin", "wrong")
	_, err = b.Authenticate(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrAccessDenied)
}

func TestChain(t *testing.T) {
	t.Parallel()

	chain := auth.Chain{newSigV4(), auth.NewBasic(testCreds)}

	signed := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	signRequestSigV4(t, signed, testCreds, testNow)
	p, err := chain.Authenticate(t.Context(), signed)
	require.NoError(t, err)
	require.Equal(t, "sigv4", p.Method)

	basic := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	basic.SetBasicAuth("ledgeradmin", "ledgersecret")
	p, err = chain.Authenticate(t.Context(), basic)
	require.NoError(t, err)
	require.Equal(t, "basic", p.Method)

	anonymous := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	p, err = chain.Authenticate(t.Context(), anonymous)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	_, ok := auth.PrincipalFrom(t.Context())
	require.False(t, ok)

	ctx := auth.WithPrincipal(t.Context(), &auth.Principal{AccessKeyID: "ledgeradmin"})
	p, ok := auth.PrincipalFrom(ctx)
	require.True(t, ok)
	require.Equal(t, "ledgeradmin", p.AccessKeyID)
}
