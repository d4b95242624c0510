// Package ui renders the read-only ledger browser.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"

	"github.com/a-h/templ"
)

// Prefix is the path the browser is mounted under.
const Prefix = "/_ui"

// Summary is the header shown on the bucket list.
type Summary struct {
	Objects int64
	Buckets int64
	Bytes   int64
}

// Bucket represents a single bucket for display.
type Bucket struct {
	Name         string
	CreationDate string
}

// Object represents a single live object within a bucket for display.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified string
}

// Listing is one page of a bucket, rolled up at "/".
type Listing struct {
	Bucket         string
	Prefix         string
	Objects        []Object
	CommonPrefixes []string
	NextMarker     string
}

// Revision is one record in the history of a key.
type Revision struct {
	ReceiptID    string
	Location     string
	Size         int64
	ETag         string
	LastModified string
	State        string
}

// pageWriter remembers the first write error so rendering code can stay linear.
type pageWriter struct {
	w   io.Writer
	err error
}

func (p *pageWriter) raw(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *pageWriter) printf(format string, args ...any) {
	if p.err == nil {
		_, p.err = fmt.Fprintf(p.w, format, args...)
	}
}

func esc(s string) string {
	return html.EscapeString(s)
}

// link builds an escaped browser URL for the given path and query.
func link(p string, query url.Values) string {
	u := url.URL{Path: Prefix + "/" + p, RawQuery: query.Encode()}
	return esc(u.String())
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.raw(`<!DOCTYPE html><html lang="en">`)
		p.raw(`<head><meta charset="utf-8">`)
		p.raw(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		p.printf(`<title>%s</title>`, esc(title))
		p.raw(`<link rel="stylesheet" href="https://unpkg.com/@picocss/pico@2/css/pico.min.css">`)
		p.raw(`<script src="https://unpkg.com/htmx.org@1.9.12" integrity="sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M" crossorigin="anonymous"></script>`)
		p.raw(`</head><body hx-boost="true"><main class="container">`)
		if p.err != nil {
			return p.err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		p.raw(`</main></body></html>`)
		return p.err
	})
}

// BucketsPage renders the store summary and the list of buckets.
func BucketsPage(summary Summary, buckets []Bucket) templ.Component {
	return Layout("ledgerbucket - Buckets", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.raw(`<section><header><h1>Buckets</h1>`)
		p.printf(`<p>%d live objects, %d bytes in %d buckets.</p></header>`, summary.Objects, summary.Bytes, summary.Buckets)

		if len(buckets) == 0 {
			p.raw(`<p>No buckets found.</p></section>`)
			return p.err
		}

		p.raw(`<table><thead><tr><th>Name</th><th>Created</th></tr></thead><tbody>`)
		for _, b := range buckets {
			p.printf(`<tr><td><a href="%s">%s</a></td><td>%s</td></tr>`, link(b.Name, nil), esc(b.Name), esc(b.CreationDate))
		}
		p.raw(`</tbody></table></section>`)
		return p.err
	}))
}

// ObjectsPage renders one page of live objects in a bucket.
func ObjectsPage(l Listing) templ.Component {
	return Layout("ledgerbucket - "+l.Bucket, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.printf(`<section><header><h1>Bucket: %s</h1>`, esc(l.Bucket))
		if l.Prefix != "" {
			p.printf(`<p>Prefix: <code>%s</code></p>`, esc(l.Prefix))
		}
		p.printf(`<p><a href="%s">&larr; Back to buckets</a></p></header>`, esc(Prefix+"/"))

		if len(l.Objects) == 0 && len(l.CommonPrefixes) == 0 {
			p.raw(`<p>No objects in this bucket.</p></section>`)
			return p.err
		}

		p.raw(`<table><thead><tr><th>Key</th><th>Size (bytes)</th><th>ETag</th><th>Last Modified</th></tr></thead><tbody>`)
		for _, cp := range l.CommonPrefixes {
			p.printf(`<tr><td><a href="%s">%s</a></td><td></td><td></td><td></td></tr>`,
				link(l.Bucket, url.Values{"prefix": {cp}}), esc(cp))
		}
		for _, o := range l.Objects {
			p.printf(`<tr><td><a href="%s">%s</a></td><td>%d</td><td><code>%s</code></td><td>%s</td></tr>`,
				link(l.Bucket+"/"+o.Key, nil), esc(o.Key), o.Size, esc(o.ETag), esc(o.LastModified))
		}
		p.raw(`</tbody></table>`)

		if l.NextMarker != "" {
			p.printf(`<p><a href="%s">Next page &rarr;</a></p>`,
				link(l.Bucket, url.Values{"prefix": {l.Prefix}, "marker": {l.NextMarker}}))
		}
		p.raw(`</section>`)
		return p.err
	}))
}

// HistoryPage renders every record written for a key, newest first.
func HistoryPage(bucket, key string, revisions []Revision) templ.Component {
	return Layout("ledgerbucket - "+bucket+"/"+key, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.printf(`<section><header><h1>%s</h1>`, esc(key))
		p.printf(`<p><a href="%s">&larr; Back to %s</a></p></header>`, link(bucket, nil), esc(bucket))

		if len(revisions) == 0 {
			p.raw(`<p>No records for this key.</p></section>`)
			return p.err
		}

		p.raw(`<table><thead><tr><th>Last Modified</th><th>State</th><th>Size (bytes)</th><th>ETag</th><th>Receipt</th></tr></thead><tbody>`)
		for _, r := range revisions {
			receipt := esc(r.ReceiptID)
			if r.Location != "" {
				receipt = fmt.Sprintf(`<a href="%s">%s</a>`, esc(r.Location), receipt)
			}
			p.printf(`<tr><td>%s</td><td>%s</td><td>%d</td><td><code>%s</code></td><td>%s</td></tr>`,
				esc(r.LastModified), esc(r.State), r.Size, esc(r.ETag), receipt)
		}
		p.raw(`</tbody></table></section>`)
		return p.err
	}))
}
