// Package envelope is the single place where failures become HTTP
// responses.
//
// Normalize decides the client-visible shape of an error. Write is the
// transport adapter that claims the response for the request and
// serializes either the normalized envelope or, for errors produced by
// the GraphQL layer itself, the original error unchanged.
package envelope

import (
	"encoding/json"
	"errors"
	"net/http"

	gqlerrors "github.com/graph-gophers/graphql-go/errors"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
)

// DefaultMessage is used when a failure carries no message.
const DefaultMessage = "An error occurred"

// Detail is the error envelope sent to clients.
type Detail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Data    any    `json:"data,omitempty"`
}

type hasStatus interface {
	HTTPStatus() int
}

// Normalize maps err to the envelope. The second return is false when err
// is a GraphQL error with no resolver cause (syntax, validation, variable
// coercion); those are passed through to the client unchanged.
func Normalize(err error) (Detail, bool) {
	if err == nil {
		return Detail{Message: DefaultMessage, Status: http.StatusInternalServerError}, true
	}

	var qe *gqlerrors.QueryError
	if errors.As(err, &qe) {
		if qe.ResolverError == nil {
			return Detail{}, false
		}
		err = qe.ResolverError
	}

	d := Detail{Message: err.Error(), Status: http.StatusInternalServerError}
	if d.Message == "" {
		d.Message = DefaultMessage
	}

	var hs hasStatus
	if errors.As(err, &hs) {
		if s := hs.HTTPStatus(); s >= 400 && s <= 599 {
			d.Status = s
		}
	}
	if ae, ok := apperr.As(err); ok {
		d.Data = ae.Data
	}
	return d, true
}

// PassThrough returns the GraphQL error that Normalize declined to wrap.
func PassThrough(err error) (*gqlerrors.QueryError, bool) {
	var qe *gqlerrors.QueryError
	if errors.As(err, &qe) && qe.ResolverError == nil {
		return qe, true
	}
	return nil, false
}

// Write sends err to the client. It is a no-op when the request already
// has a response.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	rc := pipeline.FromContext(ctx)

	if !rc.MarkResponded() {
		L.Warn(ctx, "response already written, dropping error", "error", errString(err))
		return
	}

	if raw, ok := PassThrough(err); ok {
		rc.Annotate("error.type", "graphql")
		L.Debug(ctx, "graphql request error", "error", raw.Message)
		writeJSON(w, http.StatusBadRequest, raw)
		return
	}

	d, _ := Normalize(err)
	rc.Annotate("error.type", "envelope", "error.status", d.Status)
	if d.Status >= 500 {
		L.Error(ctx, err, "request failed", "http.response.status_code", d.Status)
	} else {
		L.Debug(ctx, "request rejected", "http.response.status_code", d.Status, "error", d.Message)
	}
	writeJSON(w, d.Status, d)
}

// WriteJSON claims the response and writes v with the given status.
// Returns false when another stage already responded.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, v any) bool {
	if !pipeline.FromContext(r.Context()).MarkResponded() {
		return false
	}
	writeJSON(w, status, v)
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
