package auth

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-social/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// Token errors. They never reach the client; the gate only logs them.
var (
	ErrMalformed = errors.New("malformed token")
	ErrSignature = errors.New("invalid token signature")
	ErrExpired   = errors.New("token expired")
	ErrNoSubject = errors.New("token has no subject")
)

var b64 = base64.RawURLEncoding

// Mint builds a token "<base64url claims>.<base64url signature>" for the
// given claims. Used by the devtoken command and tests.
func Mint(key crypto.Signer, claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", xerrors.Wrap(err, "marshal claims")
	}
	seg := b64.EncodeToString(payload)
	sig, err := cryptoutil.Sign(key, []byte(seg))
	if err != nil {
		return "", xerrors.Wrap(err, "sign claims")
	}
	return seg + "." + b64.EncodeToString(sig), nil
}

// ParseToken verifies token and returns the identity it carries.
func ParseToken(ctx context.Context, v cryptoutil.SignatureVerifier, token string, now time.Time) (Identity, error) {
	seg, sigPart, ok := strings.Cut(token, ".")
	if !ok || seg == "" || sigPart == "" || strings.Contains(sigPart, ".") {
		return Anonymous(), ErrMalformed
	}
	payload, err := b64.DecodeString(seg)
	if err != nil {
		return Anonymous(), xerrors.Wrapf(ErrMalformed, "claims: %v", err)
	}
	sig, err := b64.DecodeString(sigPart)
	if err != nil {
		return Anonymous(), xerrors.Wrapf(ErrMalformed, "signature: %v", err)
	}

	if err := v.VerifySignature(ctx, []byte(seg), sig); err != nil {
		return Anonymous(), xerrors.Wrapf(ErrSignature, "%v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Anonymous(), xerrors.Wrapf(ErrMalformed, "claims json: %v", err)
	}

	if exp, ok := raw["exp"]; ok {
		n, ok := exp.(json.Number)
		if !ok {
			return Anonymous(), xerrors.Wrap(ErrMalformed, "exp is not a number")
		}
		secs, err := n.Int64()
		if err != nil {
			return Anonymous(), xerrors.Wrapf(ErrMalformed, "exp: %v", err)
		}
		if !now.Before(time.Unix(secs, 0)) {
			return Anonymous(), ErrExpired
		}
	}

	sub, _ := raw["sub"].(string)
	if sub == "" {
		return Anonymous(), ErrNoSubject
	}

	claims := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok && k != "sub" {
			claims[k] = s
		}
	}
	return Identity{Authenticated: true, UserID: sub, Claims: claims}, nil
}
