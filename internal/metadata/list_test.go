package metadata

import (
	"context"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"ledgerbucket/internal/errs"
)

func keysOf(page ListPage) []string {
	keys := make([]string, 0, len(page.Objects))
	for _, rec := range page.Objects {
		keys = append(keys, rec.Key)
	}
	return keys
}

func seed(t *testing.T, s *Store, bucket string, keys ...string) {
	t.Helper()
	for _, k := range keys {
		put(t, s, bucket, k, bucket+"|"+k)
	}
}

func TestListByPrefix(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "a/1", "a/2", "b/1")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", Prefix: "a/", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"a/1", "a/2"}, keysOf(page))
	require.False(t, page.IsTruncated)
	require.Empty(t, page.NextMarker)
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "b", "k4", "k2", "k5", "k1", "k3")

	page, err := s.List(ctx, ListInput{Bucket: "b", MaxKeys: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, keysOf(page))
	require.True(t, page.IsTruncated)
	require.Equal(t, "k2", page.NextMarker)

	page, err = s.List(ctx, ListInput{Bucket: "b", MaxKeys: 2, Marker: page.NextMarker})
	require.NoError(t, err)
	require.Equal(t, []string{"k3", "k4"}, keysOf(page))
	require.True(t, page.IsTruncated)
	require.Equal(t, "k4", page.NextMarker)

	page, err = s.List(ctx, ListInput{Bucket: "b", MaxKeys: 2, Marker: page.NextMarker})
	require.NoError(t, err)
	require.Equal(t, []string{"k5"}, keysOf(page))
	require.False(t, page.IsTruncated)
}

func TestListExactPageIsNotTruncated(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "k1", "k2")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", MaxKeys: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, keysOf(page))
	require.False(t, page.IsTruncated)
}

func TestListZeroMaxKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "b", "k1", "k2")

	page, err := s.List(ctx, ListInput{Bucket: "b", MaxKeys: 0})
	require.NoError(t, err)
	require.Empty(t, page.Objects)
	require.True(t, page.IsTruncated, "keys exist after the (empty) marker")
	require.Equal(t, "", page.NextMarker)

	page, err = s.List(ctx, ListInput{Bucket: "b", MaxKeys: 0, Marker: "k1"})
	require.NoError(t, err)
	require.True(t, page.IsTruncated)
	require.Equal(t, "k1", page.NextMarker)

	page, err = s.List(ctx, ListInput{Bucket: "b", MaxKeys: 0, Marker: "k2"})
	require.NoError(t, err)
	require.False(t, page.IsTruncated, "nothing after the last key")
}

func TestListEmptyResults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "b", "a", "b")

	page, err := s.List(ctx, ListInput{Bucket: "b", Prefix: "zzz", MaxKeys: 10})
	require.NoError(t, err)
	require.Empty(t, page.Objects)
	require.False(t, page.IsTruncated)

	page, err = s.List(ctx, ListInput{Bucket: "b", Marker: "zzz", MaxKeys: 10})
	require.NoError(t, err)
	require.Empty(t, page.Objects)
	require.False(t, page.IsTruncated)

	page, err = s.List(ctx, ListInput{Bucket: "unknown", MaxKeys: 10})
	require.NoError(t, err)
	require.Empty(t, page.Objects)
}

func TestListNegativeMaxKeysUsesDefault(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "a", "b", "c")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", MaxKeys: -1})
	require.NoError(t, err)
	require.Len(t, page.Objects, 3)
	require.Equal(t, MaxListKeys, NormalizeMaxKeys(5000))
}

func TestListMarkerBeforePrefix(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "a/1", "b/1", "b/2")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", Prefix: "b/", Marker: "a/9", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"b/1", "b/2"}, keysOf(page))
}

func TestListTreatsWildcardsLiterally(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "50%_off", "50abc", "5_x")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", Prefix: "50%", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"50%_off"}, keysOf(page))

	page, err = s.List(context.Background(), ListInput{Bucket: "b", Prefix: "5_", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"5_x"}, keysOf(page))
}

func TestListByteOrder(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "b", "B", "a", "é", "")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"", "B", "a", "b", "é"}, keysOf(page))
}

func TestListDelimiter(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "photos/2023/a.jpg", "photos/2024/b.jpg", "photos/2024/c.jpg", "photos/index.html", "readme")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", Delimiter: "/", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"photos/"}, page.CommonPrefixes)
	require.Equal(t, []string{"readme"}, keysOf(page))

	page, err = s.List(context.Background(), ListInput{Bucket: "b", Prefix: "photos/", Delimiter: "/", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"photos/2023/", "photos/2024/"}, page.CommonPrefixes)
	require.Equal(t, []string{"photos/index.html"}, keysOf(page))
	require.False(t, page.IsTruncated)
}

func TestListDelimiterPaginationNeverRepeats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s, "b", "a/1", "a/2", "a/3", "b", "c/1", "c/2", "d")

	var (
		objects  []string
		prefixes []string
		marker   string
		pages    int
	)
	for {
		page, err := s.List(ctx, ListInput{Bucket: "b", Delimiter: "/", MaxKeys: 1, Marker: marker})
		require.NoError(t, err)
		pages++
		require.LessOrEqual(t, len(page.Objects)+len(page.CommonPrefixes), 1)

		objects = append(objects, keysOf(page)...)
		prefixes = append(prefixes, page.CommonPrefixes...)
		if !page.IsTruncated {
			break
		}
		marker = page.NextMarker
		require.Less(t, pages, 10, "listing did not terminate")
	}

	require.Equal(t, []string{"b", "d"}, objects)
	require.Equal(t, []string{"a/", "c/"}, prefixes)
	require.Equal(t, 4, pages)
}

func TestSuccessor(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a/", "a0", true},
		{"abc", "abd", true},
		{"a\xff", "b", true},
		{"\xff\xff", "", false},
		{"", "", false},
	}

	for _, tc := range tests {
		got, ok := successor(tc.in)
		require.Equal(t, tc.ok, ok, "successor(%q)", tc.in)
		require.Equal(t, tc.want, got, "successor(%q)", tc.in)
	}
}

func TestCommonPrefix(t *testing.T) {
	require.Equal(t, "a/", commonPrefix("a/b/c", "", "/"))
	require.Equal(t, "a/b/", commonPrefix("a/b/c", "a/", "/"))
	require.Equal(t, "", commonPrefix("a/b", "a/", "/"))
	require.Equal(t, "", commonPrefix("a/b", "", ""))
	require.Equal(t, "x--", commonPrefix("x--y", "", "--"))
}

func TestListMarkerInsideCommonPrefix(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "b", "a/1", "a/2", "a/3", "z")

	page, err := s.List(context.Background(), ListInput{Bucket: "b", Delimiter: "/", Marker: "a/1", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"a/"}, page.CommonPrefixes)
	require.Equal(t, []string{"z"}, keysOf(page))
	require.False(t, page.IsTruncated)

	page, err = s.List(context.Background(), ListInput{Bucket: "b", Delimiter: "/", Marker: "a/", MaxKeys: 10})
	require.NoError(t, err)
	require.Empty(t, page.CommonPrefixes, "a marker equal to the prefix means it was already returned")
	require.Equal(t, []string{"z"}, keysOf(page))
}

// textDialect runs on SQLite but bounds keys the way PostgreSQL needs.
type textDialect struct{ sqliteDialect }

func (textDialect) validKey(s string) bool { return validText(s) }
func (textDialect) successor(p string) (string, bool) { return textSuccessor(p) }
func (textDialect) floor(s string) (string, bool) { return textFloor(s) }

func newTextStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	s.dialect = textDialect{}
	return s
}

func TestTextSuccessor(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a/", "a0", true},
		{"docs/¿", "docs/À", true},
		{"x\u007f", "x\u0080", true},
		{"x\ud7ff", "x\ue000", true},
		{"x\U0010ffff", "y", true},
		{"\U0010ffff", "", false},
		{"", "", false},
	}

	for _, tc := range tests {
		got, ok := textSuccessor(tc.in)
		require.Equal(t, tc.ok, ok, "textSuccessor(%q)", tc.in)
		require.Equal(t, tc.want, got, "textSuccessor(%q)", tc.in)
		require.True(t, utf8.ValidString(got), "textSuccessor(%q) = %q", tc.in, got)
		if ok {
			require.Greater(t, got, tc.in)
		}
	}
}

func TestTextFloor(t *testing.T) {
	got, exact := textFloor("a/é")
	require.True(t, exact)
	require.Equal(t, "a/é", got)

	got, exact = textFloor("a/\xffz")
	require.False(t, exact)
	require.Equal(t, "a/", got)

	got, exact = textFloor("a\x00b")
	require.False(t, exact)
	require.Equal(t, "a", got)
}

func TestListNonASCIIPrefix(t *testing.T) {
	for name, s := range map[string]*Store{"bytes": newTestStore(t), "text": newTextStore(t)} {
		t.Run(name, func(t *testing.T) {
			seed(t, s, "b", "docs/¿a", "docs/¿b", "docs/À", "docs/z")

			page, err := s.List(context.Background(), ListInput{Bucket: "b", Prefix: "docs/¿", MaxKeys: 10})
			require.NoError(t, err)
			require.Equal(t, []string{"docs/¿a", "docs/¿b"}, keysOf(page))

			page, err = s.List(context.Background(), ListInput{Bucket: "b", Prefix: "docs/", Delimiter: "¿", MaxKeys: 10})
			require.NoError(t, err)
			require.Equal(t, []string{"docs/¿"}, page.CommonPrefixes)
			require.Equal(t, []string{"docs/z", "docs/À"}, keysOf(page))
		})
	}
}

func TestListTextRejectsUnstorableInput(t *testing.T) {
	ctx := context.Background()
	s := newTextStore(t)
	seed(t, s, "b", "a/1", "a/2", "b/1")

	page, err := s.List(ctx, ListInput{Bucket: "b", Prefix: "a/\xff", MaxKeys: 10})
	require.NoError(t, err)
	require.Empty(t, page.Objects)

	page, err = s.List(ctx, ListInput{Bucket: "b", Marker: "a/1\xff", MaxKeys: 10})
	require.NoError(t, err)
	require.Equal(t, []string{"a/2", "b/1"}, keysOf(page))

	_, err = s.List(ctx, ListInput{Bucket: "b", Delimiter: "\x00", MaxKeys: 10})
	require.True(t, errs.Is(err, errs.KindInvalidArgument))

	_, err = s.UpsertLive(ctx, ObjectInput{Bucket: "b", Key: "bad\x00key", ReceiptID: "r"})
	require.True(t, errs.Is(err, errs.KindInvalidArgument))

	_, err = s.GetLive(ctx, "b", "bad\xff")
	require.True(t, errs.Is(err, errs.KindNotFound))
}
