package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/envelope"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// Recover is the final error handler. A panic below it is logged and
// answered with a 500 envelope, unless a response was already claimed.
// onPanic is optional, e.g. to count panics.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http uses this to abort a response on purpose
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				err = xerrors.Wrap(err, "panic in http handler")

				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}
				envelope.Write(w, r, apperr.Wrap(err, http.StatusInternalServerError, "Internal Server Error"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
