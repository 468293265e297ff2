// Package auth inspects the bearer credential on each request and attaches
// the caller identity to the request context.
//
// The gate never rejects a request. Absent or invalid credentials produce
// an anonymous identity; whether that is acceptable is decided later by
// the Capability each operation declares.
package auth

import (
	"context"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
)

// Identity describes the caller. It is read-only after the gate.
type Identity struct {
	Authenticated bool
	UserID        string
	Claims        map[string]string
}

// Anonymous is the identity of a request without a valid credential.
func Anonymous() Identity { return Identity{} }

// Claim returns a string claim, "" when absent.
func (id Identity) Claim(key string) string {
	return id.Claims[key]
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller identity, anonymous if the gate did not run.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(ctxKey{}).(Identity); ok {
		return id
	}
	return Anonymous()
}

// Capability decides whether an identity may run an operation. A nil
// return allows it; otherwise the error is reported to the client.
type Capability func(Identity) error

// Public allows every caller.
func Public(Identity) error { return nil }

// Authenticated requires a verified credential.
func Authenticated(id Identity) error {
	if !id.Authenticated {
		return apperr.New(http.StatusUnauthorized, "Not authenticated.")
	}
	return nil
}

// RequireClaim requires an authenticated caller whose claim key equals value.
func RequireClaim(key, value string) Capability {
	return func(id Identity) error {
		if err := Authenticated(id); err != nil {
			return err
		}
		if id.Claims[key] != value {
			return apperr.New(http.StatusForbidden, "Not authorized.")
		}
		return nil
	}
}

// All requires every capability to pass, checked in order.
func All(caps ...Capability) Capability {
	return func(id Identity) error {
		for _, c := range caps {
			if c == nil {
				continue
			}
			if err := c(id); err != nil {
				return err
			}
		}
		return nil
	}
}
