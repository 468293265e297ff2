package storage

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-social/internal/log"
)

// Handler serves stored objects from one bucket at a route with a {name}
// parameter.
type Handler struct {
	Store        Store
	Bucket       string
	CacheControl string
}

func NewHandler(s Store, bucket string) *Handler {
	return &Handler{
		Store:        s,
		Bucket:       bucket,
		CacheControl: "public, max-age=31536000, immutable",
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	// chi returns the raw segment when the path was escaped, see URL
	name := chi.URLParam(r, "name")
	if r.URL.RawPath != "" {
		if n, err := url.PathUnescape(name); err == nil {
			name = n
		}
	}

	obj, err := h.Store.Open(ctx, h.Bucket, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) {
			w.Header().Set("Cache-Control", "no-store")
			http.NotFound(w, r)
			return
		}
		log.FromContext(ctx).Error(ctx, err, "open stored object", "bucket", h.Bucket, "name", name)
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer obj.Body.Close()

	hdr := w.Header()
	ct := obj.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	hdr.Set("Content-Type", ct)
	hdr.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if h.CacheControl != "" {
		hdr.Set("Cache-Control", h.CacheControl)
	}
	if !obj.ModTime.IsZero() {
		hdr.Set("Last-Modified", obj.ModTime.UTC().Format(http.TimeFormat))
	}
	// stored uploads are served under our origin, never rendered as anything else
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Content-Security-Policy", "default-src 'none'; sandbox")

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.Copy(w, obj.Body)
}
