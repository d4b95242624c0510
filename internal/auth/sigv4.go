package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	SigV4Algorithm = "AWS4-HMAC-SHA256"
	sigV4Prefix    = SigV4Algorithm + " "
	sigV4Terminal  = "aws4_request"

	// AmzDateFormat is the layout of the X-Amz-Date header.
	AmzDateFormat = "20060102T150405Z"

	// DefaultMaxSkew bounds how far X-Amz-Date may drift from the server clock.
	DefaultMaxSkew = 15 * time.Minute
)

// SigV4 verifies AWS Signature Version 4 Authorization headers.
type SigV4 struct {
	creds   Credentials
	now     func() time.Time
	maxSkew time.Duration
}

type SigV4Option func(*SigV4)

// WithClock replaces the clock used for the request date check.
func WithClock(now func() time.Time) SigV4Option {
	return func(s *SigV4) {
		s.now = now
	}
}

// WithMaxSkew sets the accepted clock drift. Zero disables the check.
func WithMaxSkew(d time.Duration) SigV4Option {
	return func(s *SigV4) {
		s.maxSkew = d
	}
}

func NewSigV4(creds Credentials, opts ...SigV4Option) *SigV4 {
	s := &SigV4{creds: creds, now: time.Now, maxSkew: DefaultMaxSkew}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type sigV4Header struct {
	accessKeyID   string
	dateStamp     string
	region        string
	service       string
	signedHeaders []string
	signature     []byte
}

func parseSigV4Header(auth string) (sigV4Header, error) {
	var h sigV4Header

	kv := make(map[string]string, 3)
	for _, p := range strings.Split(strings.TrimPrefix(auth, sigV4Prefix), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k == "" {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}

	cred, signed, sig := kv["Credential"], kv["SignedHeaders"], kv["Signature"]
	if cred == "" || signed == "" || sig == "" {
		return h, fmt.Errorf("%w: incomplete authorization header", ErrAccessDenied)
	}

	parts := strings.Split(cred, "/")
	if len(parts) != 5 || parts[4] != sigV4Terminal || parts[2] == "" || parts[3] == "" {
		return h, fmt.Errorf("%w: malformed credential scope", ErrAccessDenied)
	}

	decoded, err := hex.DecodeString(sig)
	if err != nil {
		return h, fmt.Errorf("%w: malformed signature", ErrAccessDenied)
	}

	h.accessKeyID = parts[0]
	h.dateStamp = parts[1]
	h.region = parts[2]
	h.service = parts[3]
	h.signedHeaders = strings.Split(signed, ";")
	h.signature = decoded
	return h, nil
}

func (s *SigV4) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, sigV4Prefix) {
		return nil, nil
	}

	h, err := parseSigV4Header(auth)
	if err != nil {
		return nil, err
	}
	if h.accessKeyID != s.creds.AccessKeyID {
		return nil, fmt.Errorf("%w: unknown access key", ErrAccessDenied)
	}

	amzDate := r.Header.Get("X-Amz-Date")
	ts, err := time.Parse(AmzDateFormat, amzDate)
	if err != nil || !strings.HasPrefix(amzDate, h.dateStamp) {
		return nil, fmt.Errorf("%w: invalid X-Amz-Date", ErrAccessDenied)
	}
	if s.maxSkew > 0 {
		if d := s.now().Sub(ts); d > s.maxSkew || d < -s.maxSkew {
			return nil, fmt.Errorf("%w: request time too skewed", ErrAccessDenied)
		}
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Content-Sha256", ErrAccessDenied)
	}

	canonical := CanonicalRequest(r, h.signedHeaders, payloadHash)
	sts := StringToSign(amzDate, Scope(h.dateStamp, h.region, h.service), canonical)
	want := Sign(SigningKey(s.creds.SecretAccessKey, h.dateStamp, h.region, h.service), sts)

	if !hmac.Equal(want, h.signature) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrAccessDenied)
	}

	return &Principal{AccessKeyID: h.accessKeyID, Method: "sigv4"}, nil
}

// CanonicalRequest builds the SigV4 canonical request for r.
func CanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) string {
	names := make([]string, 0, len(signedHeaders))
	for _, name := range signedHeaders {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			names = append(names, name)
		}
	}

	var headers strings.Builder
	for _, name := range names {
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		} else {
			vals := r.Header.Values(name)
			for i, v := range vals {
				vals[i] = strings.Join(strings.Fields(v), " ")
			}
			value = strings.Join(vals, ",")
		}
		headers.WriteString(name)
		headers.WriteString(":")
		headers.WriteString(strings.TrimSpace(value))
		headers.WriteString("\n")
	}

	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	return strings.Join([]string{
		r.Method,
		uriEncode(path, false),
		canonicalQuery(r.URL),
		headers.String(),
		strings.Join(names, ";"),
		payloadHash,
	}, "\n")
}

// Scope returns the credential scope for a date, region and service.
func Scope(dateStamp, region, service string) string {
	return strings.Join([]string{dateStamp, region, service, sigV4Terminal}, "/")
}

// StringToSign hashes the canonical request into the SigV4 string to sign.
func StringToSign(amzDate, scope, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{SigV4Algorithm, amzDate, scope, hex.EncodeToString(sum[:])}, "\n")
}

// SigningKey derives the per-day signing key from the secret.
func SigningKey(secret, dateStamp, region, service string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	k = hmacSHA256(k, region)
	k = hmacSHA256(k, service)
	return hmacSHA256(k, sigV4Terminal)
}

// Sign returns the signature of stringToSign under key.
func Sign(key []byte, stringToSign string) []byte {
	return hmacSHA256(key, stringToSign)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func uriEncode(s string, encodeSlash bool) string {
	const hexUpper = "0123456789ABCDEF"

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'),
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexUpper[c>>4])
			b.WriteByte(hexUpper[c&0x0f])
		}
	}
	return b.String()
}

func canonicalQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, uriEncode(k, true)+"="+uriEncode(v, true))
		}
	}
	return strings.Join(parts, "&")
}
