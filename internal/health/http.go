package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler answers 200 with okBody when p passes and 503 with the failure
// reason otherwise. A nil probe always passes.
func Handler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}

// LivenessHandler serves /-/healthy.
func LivenessHandler(p Probe) http.HandlerFunc { return Handler(p, "ok") }

// ReadinessHandler serves /-/ready.
func ReadinessHandler(p Probe) http.HandlerFunc { return Handler(p, "ready") }

// RegisterRoutes mounts /-/healthy and /-/ready on r.
func RegisterRoutes(r chi.Router, live, ready Probe) {
	r.Method(http.MethodGet, "/-/healthy", LivenessHandler(live))
	r.Method(http.MethodHead, "/-/healthy", LivenessHandler(live))
	r.Method(http.MethodGet, "/-/ready", ReadinessHandler(ready))
	r.Method(http.MethodHead, "/-/ready", ReadinessHandler(ready))
}
