// Package gateway serves the single GraphQL endpoint. It decodes the
// operation request from the body, multipart fields or query string,
// hands it to an Executor and writes the outcome.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/99designs/gqlgen/graphql/playground"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/envelope"
	"github.com/keithlinneman/linnemanlabs-social/internal/graph"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
	"github.com/keithlinneman/linnemanlabs-social/internal/upload"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// Executor runs one operation request.
type Executor interface {
	Execute(ctx context.Context, req graph.Request) pipeline.ExecutionResult
}

// consoleCSP relaxes the default policy enough for the console page,
// which pulls its scripts and styles from jsdelivr.
const consoleCSP = "default-src 'self'; script-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net; " +
	"style-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net; img-src 'self' data: https://cdn.jsdelivr.net; " +
	"font-src 'self' https://cdn.jsdelivr.net; connect-src 'self'; frame-ancestors 'none'; object-src 'none'"

type Options struct {
	Executor Executor

	// Endpoint is the path the console posts operations to.
	Endpoint string

	// Console serves the interactive GraphQL console to browsers that GET
	// the endpoint without a query.
	Console      bool
	ConsoleTitle string

	Logger log.Logger
}

type Handler struct {
	exec    Executor
	console http.Handler
	logger  log.Logger
}

func New(opts Options) (*Handler, error) {
	if opts.Executor == nil {
		return nil, xerrors.New("gateway: executor is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "/graphql"
	}
	if opts.ConsoleTitle == "" {
		opts.ConsoleTitle = "GraphQL console"
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	h := &Handler{exec: opts.Executor, logger: opts.Logger}
	if opts.Console {
		h.console = playground.Handler(opts.ConsoleTitle, opts.Endpoint)
	}
	return h, nil
}

type response struct {
	Data json.RawMessage `json:"data"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := pipeline.FromContext(ctx)
	if rc.Responded() {
		return
	}

	if h.wantsConsole(r) {
		if !rc.MarkResponded() {
			return
		}
		w.Header().Set("Content-Security-Policy", consoleCSP)
		w.Header().Del("Cross-Origin-Embedder-Policy")
		h.console.ServeHTTP(w, r)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		envelope.Write(w, r, apperr.New(http.StatusMethodNotAllowed, "Method not allowed"))
		return
	}

	req, err := decodeRequest(r, rc)
	if err != nil {
		envelope.Write(w, r, err)
		return
	}
	if r.Method == http.MethodGet && req.OperationType() == "mutation" {
		w.Header().Set("Allow", "POST")
		envelope.Write(w, r, apperr.New(http.StatusMethodNotAllowed, "Mutations must be sent with POST."))
		return
	}

	if err := rc.Advance(pipeline.Executing); err != nil {
		h.logger.Warn(ctx, "pipeline state", "error", err)
	}
	res := h.exec.Execute(ctx, req)
	rc.SetResult(res)

	switch res := res.(type) {
	case pipeline.Success:
		rc.Annotate("graphql.outcome", "success")
		envelope.WriteJSON(w, r, http.StatusOK, response{Data: res.Data})
	case pipeline.Failure:
		rc.Annotate("graphql.outcome", "failure")
		envelope.Write(w, r, res.Cause)
	default:
		envelope.Write(w, r, xerrors.Newf("gateway: unexpected execution result %T", res))
	}
}

func (h *Handler) wantsConsole(r *http.Request) bool {
	if h.console == nil || r.Method != http.MethodGet {
		return false
	}
	if r.URL.Query().Get("query") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// decodeRequest reads the operation request for r.
func decodeRequest(r *http.Request, rc *pipeline.RequestContext) (graph.Request, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		return fromFields(map[string]string{
			"query":         q.Get("query"),
			"operationName": q.Get("operationName"),
			"variables":     q.Get("variables"),
		})
	}

	if upload.IsMultipart(r) {
		return fromFields(rc.Fields())
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/json", "":
		var req graph.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if apperr.IsBodyLimit(err) {
				return req, apperr.FromBodyLimit(err)
			}
			return req, apperr.Wrap(err, http.StatusBadRequest, "Request body must be a JSON operation.")
		}
		return req, nil
	case "application/graphql":
		b, err := io.ReadAll(r.Body)
		if err != nil {
			if apperr.IsBodyLimit(err) {
				return graph.Request{}, apperr.FromBodyLimit(err)
			}
			return graph.Request{}, apperr.Wrap(err, http.StatusBadRequest, "Failed to read request body.")
		}
		return graph.Request{Query: string(b)}, nil
	}
	return graph.Request{}, apperr.Newf(http.StatusUnsupportedMediaType, "Unsupported content type %q.", mt)
}

func fromFields(f map[string]string) (graph.Request, error) {
	req := graph.Request{
		Query:         f["query"],
		OperationName: f["operationName"],
	}
	if raw := strings.TrimSpace(f["variables"]); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
			return req, apperr.Wrap(err, http.StatusBadRequest, "Variables must be a JSON object.")
		}
	}
	return req, nil
}
