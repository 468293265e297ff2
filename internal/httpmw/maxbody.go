package httpmw

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/envelope"
)

// MaxBody caps the request body at limit bytes. A declared Content-Length
// over the limit is rejected with a 413 envelope before the handler runs;
// otherwise the body is wrapped in http.MaxBytesReader and whoever reads
// past the limit gets a *http.MaxBytesError (see apperr.FromBodyLimit).
// A limit <= 0 disables the check.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				envelope.Write(w, r, apperr.New(http.StatusRequestEntityTooLarge, "Request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
