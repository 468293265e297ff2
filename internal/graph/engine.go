// Package graph executes GraphQL operations for the /graphql endpoint.
//
// Parsing, validation, introspection and resolution are done by
// graph-gophers/graphql-go against a schema bound to a resolver value.
// The Engine adapts that to a pipeline.ExecutionResult: request errors
// (syntax, validation, variables) come back as a *errors.QueryError with
// no ResolverError, failures raised by resolvers keep the original error
// in ResolverError, and resolver panics become a 500 that hides the panic
// value from the client.
package graph

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	gqlerrors "github.com/graph-gophers/graphql-go/errors"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/auth"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// Request is a GraphQL operation request.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// OperationType returns "query", "mutation" or "subscription" for the
// operation req selects, or "" when the document does not parse or the
// operation cannot be chosen.
func (r Request) OperationType() string {
	doc, err := parser.ParseQuery(&ast.Source{Input: r.Query})
	if err != nil || doc == nil {
		return ""
	}
	if r.OperationName != "" {
		if op := doc.Operations.ForName(r.OperationName); op != nil {
			return string(op.Operation)
		}
		return ""
	}
	if len(doc.Operations) == 1 {
		return string(doc.Operations[0].Operation)
	}
	return ""
}

// Outcome labels for OnExecute.
const (
	OutcomeSuccess       = "success"
	OutcomeRequestError  = "request_error"
	OutcomeExecuteError  = "execute_error"
	OutcomeInternalError = "internal_error"
)

// ErrPanic is wrapped by the cause of every failure recovered from a
// panicking resolver.
var ErrPanic = errors.New("graphql resolver panic")

const internalMessage = "Internal Server Error"

type Options struct {
	// Schema is the SDL source.
	Schema string
	// Resolver is the root value whose methods back Query and Mutation.
	Resolver any
	// MaxDepth caps selection nesting, 0 for no limit.
	MaxDepth int
	Logger   log.Logger

	// OnExecute is called once per Execute with the operation type and
	// one of the Outcome labels.
	OnExecute func(operation, outcome string, d time.Duration)
}

type Engine struct {
	schema    *graphql.Schema
	logger    log.Logger
	onExecute func(string, string, time.Duration)
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Resolver == nil {
		return nil, xerrors.New("graph: resolver is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	ph := panicHandler{logger: opts.Logger}
	schemaOpts := []graphql.SchemaOpt{
		graphql.Logger(ph),
		graphql.PanicHandler(ph),
	}
	if opts.MaxDepth > 0 {
		schemaOpts = append(schemaOpts, graphql.MaxDepth(opts.MaxDepth))
	}

	schema, err := graphql.ParseSchema(opts.Schema, opts.Resolver, schemaOpts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse graphql schema")
	}
	return &Engine{
		schema:    schema,
		logger:    opts.Logger,
		onExecute: opts.OnExecute,
	}, nil
}

// Execute runs req and always returns exactly one result.
func (e *Engine) Execute(ctx context.Context, req Request) pipeline.ExecutionResult {
	start := time.Now()
	opType := req.OperationType()
	if opType == "" {
		opType = "unknown"
	}
	outcome := OutcomeSuccess

	ctx, span := otel.Tracer("graph").Start(ctx, "graph.execute")
	defer func() {
		span.SetAttributes(
			attribute.String("graphql.operation.type", opType),
			attribute.String("graphql.outcome", outcome),
		)
		if outcome != OutcomeSuccess {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if e.onExecute != nil {
			e.onExecute(opType, outcome, time.Since(start))
		}
	}()

	if strings.TrimSpace(req.Query) == "" {
		outcome = OutcomeRequestError
		return pipeline.Failure{Cause: gqlerrors.Errorf("Must provide query string.")}
	}
	if req.OperationName != "" {
		span.SetAttributes(attribute.String("graphql.operation.name", req.OperationName))
	}

	resp := e.schema.Exec(ctx, req.Query, req.OperationName, req.Variables)
	if len(resp.Errors) > 0 {
		qe := primaryError(resp.Errors)
		outcome = classify(qe)
		if outcome == OutcomeExecuteError {
			e.logger.Debug(ctx, "graphql resolver error", "error", qe.ResolverError.Error())
		}
		return pipeline.Failure{Cause: qe}
	}
	return pipeline.Success{Data: resp.Data}
}

// primaryError prefers the first resolver failure over errors that the
// library derived from it (null propagation on non-null fields).
func primaryError(errs []*gqlerrors.QueryError) *gqlerrors.QueryError {
	for _, qe := range errs {
		if qe != nil && qe.ResolverError != nil {
			return qe
		}
	}
	return errs[0]
}

func classify(qe *gqlerrors.QueryError) string {
	switch {
	case qe.ResolverError == nil:
		return OutcomeRequestError
	case errors.Is(qe.ResolverError, ErrPanic):
		return OutcomeInternalError
	default:
		return OutcomeExecuteError
	}
}

// Cause returns the error a resolver raised behind a GraphQL error, nil
// for request errors that have no cause. Other errors are returned as is.
func Cause(err error) error {
	var qe *gqlerrors.QueryError
	if errors.As(err, &qe) {
		return qe.ResolverError
	}
	return err
}

// panicHandler logs resolver panics through the service logger and turns
// them into a generic 500 for the client.
type panicHandler struct {
	logger log.Logger
}

func (h panicHandler) LogPanic(ctx context.Context, value any) {
	h.logger.Error(ctx, xerrors.Wrapf(ErrPanic, "%v", value), "graphql resolver panic")
}

func (h panicHandler) MakePanicError(_ context.Context, value any) *gqlerrors.QueryError {
	qe := gqlerrors.Errorf("%s", internalMessage)
	qe.ResolverError = apperr.Wrap(xerrors.Wrapf(ErrPanic, "%v", value), http.StatusInternalServerError, internalMessage)
	return qe
}

// Authorize checks c against the caller identity on ctx and returns that
// identity. Root resolvers call it first, so each operation states its
// own policy in one line.
func Authorize(ctx context.Context, c auth.Capability) (auth.Identity, error) {
	id := auth.FromContext(ctx)
	if c == nil {
		c = auth.Public
	}
	if err := c(id); err != nil {
		return id, err
	}
	return id, nil
}
