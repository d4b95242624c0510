package metadata

import (
	"context"
	"strings"
	"unicode/utf8"

	"ledgerbucket/internal/errs"
)

const (
	// MaxListKeys caps the number of entries returned by one List call.
	MaxListKeys = 1000
	// DefaultListKeys applies when the caller passes a negative MaxKeys.
	DefaultListKeys = MaxListKeys
)

// ListInput selects a page of live keys within a bucket.
type ListInput struct {
	Bucket string
	// Prefix restricts the listing to keys starting with it.
	Prefix string
	// Marker excludes every key, and every common prefix, that sorts at or
	// before it.
	Marker string
	// MaxKeys bounds the number of objects plus common prefixes on the page.
	// Negative means DefaultListKeys; values above MaxListKeys are clamped.
	MaxKeys int
	// Delimiter, when set, rolls keys sharing the segment up to and including
	// the first delimiter after Prefix into a single common prefix.
	Delimiter string
}

// ListPage is one page of a listing. NextMarker is only set when
// IsTruncated is true; passing it back as Marker resumes the listing.
type ListPage struct {
	Objects        []ObjectRecord
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// NormalizeMaxKeys clamps n into [0, MaxListKeys].
func NormalizeMaxKeys(n int) int {
	switch {
	case n < 0:
		return DefaultListKeys
	case n > MaxListKeys:
		return MaxListKeys
	}
	return n
}

// keyBound is the lower bound of the next scan.
type keyBound struct {
	key       string
	inclusive bool
}

// List returns live keys of in.Bucket in ascending byte order. Each page
// reads at most one entry past the requested size to decide truncation.
//
// With MaxKeys == 0 the page is empty, IsTruncated reports whether any key
// matches after the marker, and NextMarker equals the marker so resuming
// starts at the same boundary.
func (s *Store) List(ctx context.Context, in ListInput) (ListPage, error) {
	const op = "metadata.List"

	maxKeys := NormalizeMaxKeys(in.MaxKeys)
	page := ListPage{Objects: []ObjectRecord{}, CommonPrefixes: []string{}}

	d := s.dialect
	if !d.validKey(in.Bucket) || !d.validKey(in.Prefix) {
		// No stored key can carry a prefix the database cannot hold.
		return page, nil
	}
	if in.Delimiter != "" && !d.validKey(in.Delimiter) {
		return ListPage{}, errs.New(errs.KindInvalidArgument, op, "delimiter is not valid UTF-8 or contains NUL")
	}

	upper, hasUpper := d.successor(in.Prefix)

	from := keyBound{key: in.Prefix, inclusive: true}
	if in.Marker != "" && in.Marker >= in.Prefix {
		lower, exact := d.floor(in.Marker)
		if lower >= in.Prefix {
			from = keyBound{key: lower, inclusive: !exact}
		}
	}

	batch := maxKeys + 1
	count := 0
	last := in.Marker

	for {
		records, err := s.scan(ctx, in.Bucket, from, upper, hasUpper, batch)
		if err != nil {
			return ListPage{}, mapError(op, err)
		}

		reseek := false
		for _, rec := range records {
			if !strings.HasPrefix(rec.Key, in.Prefix) {
				return page, nil
			}
			from = keyBound{key: rec.Key}

			// Only reachable when the marker had to be rounded down.
			if in.Marker != "" && rec.Key <= in.Marker {
				continue
			}

			cp := commonPrefix(rec.Key, in.Prefix, in.Delimiter)
			if cp == "" {
				if count == maxKeys {
					page.IsTruncated = true
					page.NextMarker = last
					return page, nil
				}
				page.Objects = append(page.Objects, rec)
				count++
				last = rec.Key
				continue
			}

			// A marker equal to the prefix means an earlier page returned it.
			// A marker inside the prefix still leaves keys under it to report.
			if cp != in.Marker {
				if count == maxKeys {
					page.IsTruncated = true
					page.NextMarker = last
					return page, nil
				}
				page.CommonPrefixes = append(page.CommonPrefixes, cp)
				count++
				last = cp
			}

			next, ok := d.successor(cp)
			if !ok {
				return page, nil
			}
			from = keyBound{key: next, inclusive: true}
			reseek = true
			break
		}

		if !reseek && len(records) < batch {
			return page, nil
		}
	}
}

// scan reads up to limit live records of bucket at or after from and, when
// hasUpper is set, strictly before upper.
func (s *Store) scan(ctx context.Context, bucket string, from keyBound, upper string, hasUpper bool, limit int) ([]ObjectRecord, error) {
	k := s.dialect.keyExpr()

	cmp := " > ?"
	if from.inclusive {
		cmp = " >= ?"
	}

	query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ? AND deleted = FALSE AND ` + k + cmp
	args := []any{bucket, from.key}
	if hasUpper {
		query += ` AND ` + k + ` < ?`
		args = append(args, upper)
	}
	query += ` ORDER BY ` + k + ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ObjectRecord
	for rows.Next() {
		rec, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// commonPrefix returns the rolled-up prefix for key, or "" when key is
// listed on its own.
func commonPrefix(key, prefix, delimiter string) string {
	if delimiter == "" || !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := key[len(prefix):]
	idx := strings.Index(rest, delimiter)
	if idx < 0 {
		return ""
	}
	return prefix + rest[:idx+len(delimiter)]
}

// successor returns the smallest string greater than every string that
// starts with p. It reports false when no such string exists, that is when
// p is empty or made only of 0xff bytes.
func successor(p string) (string, bool) {
	b := []byte(p)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// textSuccessor is successor for databases that only hold valid UTF-8. It
// increments the last code point instead of the last byte so the bound stays
// valid text; UTF-8 byte order matches code point order.
func textSuccessor(p string) (string, bool) {
	for p != "" {
		r, size := utf8.DecodeLastRuneInString(p)
		p = p[:len(p)-size]
		if r == utf8.RuneError && size <= 1 {
			continue
		}
		switch {
		case r == utf8.MaxRune:
			continue
		case r+1 == 0xD800:
			return p + string(rune(0xE000)), true
		default:
			return p + string(r+1), true
		}
	}
	return "", false
}

// validText reports whether s can be stored in a text column that rejects
// invalid UTF-8 and NUL.
func validText(s string) bool {
	return utf8.ValidString(s) && strings.IndexByte(s, 0) < 0
}

// textFloor returns the longest prefix of s that validText accepts. exact is
// false when s had to be cut.
func textFloor(s string) (string, bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == 0 || (r == utf8.RuneError && size <= 1) {
			return s[:i], false
		}
		i += size
	}
	return s, true
}
