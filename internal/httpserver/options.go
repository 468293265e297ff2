package httpserver

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-social/internal/health"
	"github.com/keithlinneman/linnemanlabs-social/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
)

type Options struct {
	Logger  log.Logger
	Port    int
	OnPanic func()

	ClientIP httpmw.ClientIPOptions
	CORS     httpmw.CORSOptions

	// Optional middleware; nil entries are skipped.
	RateLimitMW func(http.Handler) http.Handler
	MetricsMW   func(http.Handler) http.Handler

	Liveness  health.Probe
	Readiness health.Probe

	// Images serves GET and HEAD /images/{name}.
	Images http.Handler

	// MaxBodyBytes caps request bodies on /graphql. 0 disables the cap.
	MaxBodyBytes int64

	// The /graphql group runs Upload, then Auth, then GraphQL.
	Upload  func(http.Handler) http.Handler
	Auth    func(http.Handler) http.Handler
	GraphQL http.Handler
}
