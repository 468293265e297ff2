// Package ratelimit throttles clients per IP address in front of the
// GraphQL endpoint and the image read path.
//
// State is kept in memory per process. It limits a single address
// flooding one instance and gives a log line and counters for it; it does
// not stop distributed floods, and a rejected upload has already been
// received by the time this runs. Denials are answered with the standard
// error envelope, status 429.
package ratelimit
