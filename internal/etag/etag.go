// Package etag derives content identities for stored payloads.
//
// An ETag is the quoted lowercase hex SHA-256 of the payload bytes. It is a
// pure function of the content: two uploads of the same bytes share an ETag
// even though the backend hands out a distinct receipt for each.
package etag

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// Compute returns the ETag for data. It is defined for every byte sequence,
// including the empty one.
func Compute(data []byte) string {
	sum := sha256.Sum256(data)
	return Quote(hex.EncodeToString(sum[:]))
}

// Quote formats a hash hex string as an ETag value.
func Quote(hashHex string) string {
	return "\"" + hashHex + "\""
}

// Unquote strips the weak validator prefix and surrounding quotes.
func Unquote(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	return strings.Trim(tag, "\"")
}

// Match compares two ETags by their unquoted value. "*" matches anything.
func Match(a, b string) bool {
	if a == "*" || b == "*" {
		return true
	}
	return Unquote(a) == Unquote(b)
}

// Hasher computes an ETag incrementally while the payload is streamed.
type Hasher struct {
	h    hash.Hash
	size int64
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	n, _ := h.h.Write(p)
	h.size += int64(n)
	return n, nil
}

// Size returns the number of bytes written so far.
func (h *Hasher) Size() int64 {
	return h.size
}

// ETag returns the ETag for everything written so far.
func (h *Hasher) ETag() string {
	return Quote(hex.EncodeToString(h.h.Sum(nil)))
}
