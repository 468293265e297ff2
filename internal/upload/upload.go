// Package upload accepts at most one image file per request from a
// multipart/form-data body.
//
// Files under the configured field name with an allowed MIME type are
// written to the images bucket as "<UTC timestamp>-<original name>".
// Disallowed files are dropped silently: the request continues and the
// outcome records Accepted=false. A request without an image part has no
// outcome at all, which callers observe through FromContext.
package upload

import (
	"bufio"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/envelope"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
	"github.com/keithlinneman/linnemanlabs-social/internal/storage"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// TimestampLayout is the ISO-8601 UTC millisecond prefix of stored names.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// DefaultField is the multipart field carrying the image.
const DefaultField = "image"

// DefaultAllowedTypes are the declared MIME types accepted for upload.
var DefaultAllowedTypes = []string{"image/png", "image/jpg", "image/jpeg"}

// sniffable content types, checked when VerifyContent is on
var sniffTypes = []string{"image/png", "image/jpeg"}

// Reason explains why an upload was not accepted.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonType    Reason = "type"
	ReasonName    Reason = "name"
	ReasonContent Reason = "content"
)

// Result is the outcome of one image part. It is immutable once built.
type Result struct {
	Accepted     bool
	StoredName   string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	Reason       Reason
}

// URL is where the static read path serves an accepted upload.
func (r Result) URL() string {
	if !r.Accepted {
		return ""
	}
	return storage.URL(r.StoredName)
}

// Outcome is everything read from the request body.
type Outcome struct {
	// Upload is nil when the request carried no image part.
	Upload *Result
	// Fields holds the non-file form values, nil for non-multipart bodies.
	Fields map[string]string
}

// StoredName builds the destination name for an upload received at t.
func StoredName(t time.Time, filename string) string {
	return t.UTC().Format(TimestampLayout) + "-" + filename
}

type Options struct {
	Store  storage.Store
	Bucket string
	Field  string

	// AllowedTypes are compared against the part's declared Content-Type.
	AllowedTypes []string

	// VerifyContent additionally sniffs the leading bytes and drops files
	// that are not PNG or JPEG whatever they claim to be.
	VerifyContent bool

	// MaxFieldBytes caps each non-file form value.
	MaxFieldBytes int64

	Now    func() time.Time
	Logger log.Logger

	// OnResult is called for every image part examined.
	OnResult func(Result)
}

type Acceptor struct {
	store    storage.Store
	bucket   string
	field    string
	allowed  map[string]bool
	verify   bool
	maxField int64
	now      func() time.Time
	logger   log.Logger
	onResult func(Result)
}

func New(opts Options) (*Acceptor, error) {
	if opts.Store == nil {
		return nil, xerrors.New("upload: store is required")
	}
	if opts.Bucket == "" {
		opts.Bucket = storage.ImagesBucket
	}
	if opts.Field == "" {
		opts.Field = DefaultField
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = DefaultAllowedTypes
	}
	if opts.MaxFieldBytes <= 0 {
		opts.MaxFieldBytes = 1 << 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}

	return &Acceptor{
		store:    opts.Store,
		bucket:   opts.Bucket,
		field:    opts.Field,
		allowed:  allowed,
		verify:   opts.VerifyContent,
		maxField: opts.MaxFieldBytes,
		now:      opts.Now,
		logger:   opts.Logger,
		onResult: opts.OnResult,
	}, nil
}

// IsMultipart reports whether r carries a multipart/form-data body.
func IsMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// Accept reads a multipart body. Non-multipart requests return an empty
// Outcome and leave the body untouched for later stages.
func (a *Acceptor) Accept(ctx context.Context, r *http.Request) (Outcome, error) {
	if !IsMultipart(r) {
		return Outcome{}, nil
	}

	ctx, span := otel.Tracer("upload").Start(ctx, "upload.accept")
	defer span.End()

	mr, err := r.MultipartReader()
	if err != nil {
		span.SetStatus(codes.Error, "multipart reader")
		return Outcome{}, apperr.Wrap(err, http.StatusBadRequest, "Malformed multipart body")
	}

	out := Outcome{Fields: map[string]string{}}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.SetStatus(codes.Error, "next part")
			return out, bodyError(err, "Malformed multipart body")
		}

		if part.FileName() == "" {
			v, err := a.readField(part)
			part.Close()
			if err != nil {
				return out, err
			}
			out.Fields[part.FormName()] = v
			continue
		}

		if part.FormName() != a.field {
			// unexpected file fields are ignored
			if _, err := io.Copy(io.Discard, part); err != nil {
				part.Close()
				return out, bodyError(err, "Malformed multipart body")
			}
			part.Close()
			continue
		}

		if out.Upload != nil {
			part.Close()
			return out, apperr.BadRequest("Only one image may be uploaded per request.")
		}

		res, err := a.acceptFile(ctx, part)
		part.Close()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store upload")
			return out, err
		}
		out.Upload = &res
		span.SetAttributes(
			attribute.Bool("upload.accepted", res.Accepted),
			attribute.String("upload.mime_type", res.MimeType),
			attribute.Int64("upload.size_bytes", res.SizeBytes),
		)
		if a.onResult != nil {
			a.onResult(res)
		}
	}
	return out, nil
}

func (a *Acceptor) readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, a.maxField+1))
	if err != nil {
		return "", bodyError(err, "Malformed multipart body")
	}
	if int64(len(b)) > a.maxField {
		return "", apperr.Newf(http.StatusRequestEntityTooLarge, "Form field %q is too large", part.FormName())
	}
	return string(b), nil
}

func (a *Acceptor) acceptFile(ctx context.Context, part *multipart.Part) (Result, error) {
	declared := declaredType(part.Header.Get("Content-Type"))
	original := pathutil.BaseName(part.FileName())
	res := Result{OriginalName: original, MimeType: declared}

	reject := func(reason Reason) (Result, error) {
		if _, err := io.Copy(io.Discard, part); err != nil {
			return res, bodyError(err, "Malformed multipart body")
		}
		res.Reason = reason
		a.logger.Debug(ctx, "upload dropped", "reason", string(reason), "mime_type", declared, "filename", original)
		return res, nil
	}

	if !a.allowed[declared] {
		return reject(ReasonType)
	}
	if !pathutil.IsSafeName(original) {
		return reject(ReasonName)
	}

	br := bufio.NewReaderSize(part, 4096)
	if a.verify {
		head, err := br.Peek(3072)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return res, bodyError(err, "Malformed multipart body")
		}
		if !isImage(mimetype.Detect(head)) {
			return reject(ReasonContent)
		}
	}

	stored := StoredName(a.now(), original)
	n, err := a.store.Put(ctx, a.bucket, stored, br, declared)
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return res, apperr.Wrap(err, http.StatusConflict, "An upload with this name already exists.")
		}
		if apperr.IsBodyLimit(err) {
			return res, apperr.FromBodyLimit(err)
		}
		return res, apperr.Wrap(err, http.StatusInternalServerError, "Failed to store upload")
	}

	res.Accepted = true
	res.StoredName = stored
	res.SizeBytes = n
	a.logger.Info(ctx, "upload stored", "bucket", a.bucket, "name", stored, "size_bytes", n, "mime_type", declared)
	return res, nil
}

// Middleware runs Accept and records the outcome on the request. Failures
// are written through the envelope and stop the pipeline.
func (a *Acceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rc := pipeline.FromContext(ctx)
		if rc.Responded() {
			return
		}
		_ = rc.Advance(pipeline.Uploading)

		out, err := a.Accept(ctx, r)
		if err != nil {
			envelope.Write(w, r, err)
			return
		}
		if out.Fields != nil {
			rc.SetFields(out.Fields)
		}
		if out.Upload != nil {
			rc.Annotate("upload.accepted", out.Upload.Accepted)
			if out.Upload.Accepted {
				rc.Annotate("upload.name", out.Upload.StoredName)
			} else {
				rc.Annotate("upload.rejected", string(out.Upload.Reason))
			}
			ctx = WithResult(ctx, *out.Upload)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func declaredType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func isImage(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		for _, t := range sniffTypes {
			if m.Is(t) {
				return true
			}
		}
	}
	return false
}

func bodyError(err error, msg string) error {
	if apperr.IsBodyLimit(err) {
		return apperr.FromBodyLimit(err)
	}
	return apperr.Wrap(err, http.StatusBadRequest, msg)
}

type ctxKey struct{}

// WithResult attaches an upload outcome to ctx.
func WithResult(ctx context.Context, r Result) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the upload outcome for the request. ok is false when
// the request had no image part.
func FromContext(ctx context.Context) (Result, bool) {
	r, ok := ctx.Value(ctxKey{}).(Result)
	return r, ok
}
