// Package httpmw provides HTTP middleware for the public-facing server.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// security headers, request ID, request context, panic recovery, client IP
// extraction, rate limiting, OTEL tracing, metrics, structured logging,
// and the chi router with compression, access logging and CORS.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (user-agent, headers,
// request bodies) is excluded from logs to prevent PII leaks and log
// injection.
package httpmw
