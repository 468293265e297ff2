package httpmw

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
)

type CORSOptions struct {
	// AllowedOrigins lists origins allowed to call the API. Empty or "*"
	// allows any origin.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// CORS adds cross-origin headers and answers every OPTIONS request with
// 200 and an empty body.
func CORS(opts CORSOptions) func(http.Handler) http.Handler {
	if len(opts.AllowedMethods) == 0 {
		opts.AllowedMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}
	}
	if len(opts.AllowedHeaders) == 0 {
		opts.AllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-Id"}
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 600
	}

	anyOrigin := len(opts.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			anyOrigin = true
		}
		allowed[strings.ToLower(o)] = true
	}
	methods := strings.Join(opts.AllowedMethods, ", ")
	headers := strings.Join(opts.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(opts.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")
			switch {
			case anyOrigin:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[strings.ToLower(origin)]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Max-Age", maxAge)
				if rc, ok := pipeline.Lookup(r.Context()); ok && !rc.MarkResponded() {
					return
				}
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
