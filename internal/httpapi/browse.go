package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/a-h/templ"

	"ledgerbucket/internal/metadata"
	"ledgerbucket/internal/ui"
)

// browsePageSize is the number of entries on one browser listing page.
const browsePageSize = 100

func (s *Server) registerBrowser(mux *http.ServeMux) {
	mux.HandleFunc("GET "+ui.Prefix+"/{$}", s.handleBrowseBuckets)
	mux.HandleFunc("GET "+ui.Prefix+"/{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBrowseObjects(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET "+ui.Prefix+"/{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBrowseHistory(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
}

func (s *Server) handleBrowseBuckets(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	buckets, err := s.svc.ListBuckets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]ui.Bucket, 0, len(buckets))
	for _, b := range buckets {
		items = append(items, ui.Bucket{
			Name:         b.Name,
			CreationDate: b.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	renderPage(w, r, ui.BucketsPage(ui.Summary{Objects: st.Objects, Buckets: st.Buckets, Bytes: st.Bytes}, items))
}

func (s *Server) handleBrowseObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	page, err := s.svc.ListObjects(r.Context(), metadata.ListInput{
		Bucket:    bucket,
		Prefix:    q.Get("prefix"),
		Marker:    q.Get("marker"),
		Delimiter: "/",
		MaxKeys:   browsePageSize,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	listing := ui.Listing{
		Bucket:         bucket,
		Prefix:         q.Get("prefix"),
		CommonPrefixes: page.CommonPrefixes,
		NextMarker:     page.NextMarker,
	}
	for _, o := range page.Objects {
		listing.Objects = append(listing.Objects, ui.Object{
			Key:          o.Key,
			Size:         o.Size,
			ETag:         o.ETag,
			LastModified: o.LastModified.UTC().Format(time.RFC3339),
		})
	}

	renderPage(w, r, ui.ObjectsPage(listing))
}

func (s *Server) handleBrowseHistory(w http.ResponseWriter, r *http.Request, bucket, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	records, err := s.svc.History(r.Context(), bucket, key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	revisions := make([]ui.Revision, 0, len(records))
	for i, rec := range records {
		revisions = append(revisions, ui.Revision{
			ReceiptID:    rec.ReceiptID,
			Location:     s.svc.Location(rec.ReceiptID),
			Size:         rec.Size,
			ETag:         rec.ETag,
			LastModified: rec.LastModified.UTC().Format(time.RFC3339Nano),
			State:        metadata.HistoryState(records, i),
		})
	}

	renderPage(w, r, ui.HistoryPage(bucket, key, revisions))
}

func renderPage(w http.ResponseWriter, r *http.Request, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := c.Render(r.Context(), w); err != nil {
		slog.Error("Render page", "url", r.URL.Path, "err", err)
	}
}
