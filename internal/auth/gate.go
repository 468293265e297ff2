package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-social/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
)

// Outcome labels what the gate concluded about a request's credential.
type Outcome string

const (
	OutcomeAnonymous     Outcome = "anonymous"
	OutcomeAuthenticated Outcome = "authenticated"
	OutcomeScheme        Outcome = "unsupported_scheme"
	OutcomeMalformed     Outcome = "malformed"
	OutcomeSignature     Outcome = "invalid_signature"
	OutcomeExpired       Outcome = "expired"
	OutcomeDisabled      Outcome = "disabled"
)

type GateOptions struct {
	// Verifier checks token signatures. Nil disables authentication and
	// every request is anonymous.
	Verifier cryptoutil.SignatureVerifier
	Now      func() time.Time
	Logger   log.Logger

	// OnOutcome is called once per request.
	OnOutcome func(Outcome)
}

type Gate struct {
	verifier  cryptoutil.SignatureVerifier
	now       func() time.Time
	logger    log.Logger
	onOutcome func(Outcome)
}

func NewGate(opts GateOptions) *Gate {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Gate{
		verifier:  opts.Verifier,
		now:       opts.Now,
		logger:    opts.Logger,
		onOutcome: opts.OnOutcome,
	}
}

// Authenticate inspects an Authorization header value.
func (g *Gate) Authenticate(ctx context.Context, header string) (Identity, Outcome) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Anonymous(), OutcomeAnonymous
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return Anonymous(), OutcomeScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Anonymous(), OutcomeMalformed
	}
	if g.verifier == nil {
		return Anonymous(), OutcomeDisabled
	}

	id, err := ParseToken(ctx, g.verifier, token, g.now())
	if err != nil {
		g.logger.Debug(ctx, "bearer token rejected", "reason", err.Error())
		switch {
		case errors.Is(err, ErrSignature):
			return Anonymous(), OutcomeSignature
		case errors.Is(err, ErrExpired):
			return Anonymous(), OutcomeExpired
		default:
			return Anonymous(), OutcomeMalformed
		}
	}
	return id, OutcomeAuthenticated
}

// Middleware attaches the caller identity and always calls next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rc := pipeline.FromContext(ctx)
		if rc.Responded() {
			return
		}
		_ = rc.Advance(pipeline.Authenticating)

		id, outcome := g.Authenticate(ctx, r.Header.Get("Authorization"))
		if g.onOutcome != nil {
			g.onOutcome(outcome)
		}
		rc.Annotate("auth.outcome", string(outcome))
		if id.Authenticated {
			rc.Annotate("enduser.id", id.UserID)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("enduser.id", id.UserID))
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
	})
}
