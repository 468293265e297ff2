package media

import (
	"context"
	"errors"
	"math"
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/auth"
	"github.com/keithlinneman/linnemanlabs-social/internal/datastore"
	"github.com/keithlinneman/linnemanlabs-social/internal/graph"
	"github.com/keithlinneman/linnemanlabs-social/internal/log"
	"github.com/keithlinneman/linnemanlabs-social/internal/storage"
	"github.com/keithlinneman/linnemanlabs-social/internal/upload"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// ImageRepo is the persistence used by the resolvers.
type ImageRepo interface {
	Insert(ctx context.Context, img *datastore.Image) error
	Get(ctx context.Context, name string) (*datastore.Image, error)
	List(ctx context.Context, limit int) ([]datastore.Image, error)
}

// Resolver is the root value for Schema. Every exported method backs one
// Query or Mutation field and starts with its capability check.
type Resolver struct {
	images ImageRepo
	logger log.Logger

	// OnRegistered runs after each stored registerImage.
	OnRegistered func()
}

func NewResolver(images ImageRepo, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Nop()
	}
	return &Resolver{images: images, logger: logger}
}

// NewEngine binds r to Schema.
func NewEngine(r *Resolver, opts graph.Options) (*graph.Engine, error) {
	opts.Schema = Schema
	opts.Resolver = r
	return graph.NewEngine(opts)
}

func (r *Resolver) Viewer(ctx context.Context) (*viewerResolver, error) {
	id, err := graph.Authorize(ctx, auth.Public)
	if err != nil {
		return nil, err
	}
	return &viewerResolver{id: id}, nil
}

func (r *Resolver) Image(ctx context.Context, args struct{ Name string }) (*imageResolver, error) {
	if _, err := graph.Authorize(ctx, auth.Public); err != nil {
		return nil, err
	}
	rec, err := r.images.Get(ctx, args.Name)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &imageResolver{rec: *rec}, nil
}

func (r *Resolver) Images(ctx context.Context, args struct{ Limit *int32 }) ([]*imageResolver, error) {
	if _, err := graph.Authorize(ctx, auth.Public); err != nil {
		return nil, err
	}
	limit := datastore.DefaultListLimit
	if args.Limit != nil {
		n := int(*args.Limit)
		if n < 1 || n > datastore.MaxListLimit {
			return nil, apperr.Newf(http.StatusBadRequest, "limit must be between 1 and %d.", datastore.MaxListLimit).
				WithData(map[string]any{"field": "limit"})
		}
		limit = n
	}
	recs, err := r.images.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*imageResolver, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &imageResolver{rec: rec})
	}
	return out, nil
}

func (r *Resolver) RegisterImage(ctx context.Context, args struct{ Caption *string }) (*imageResolver, error) {
	id, err := graph.Authorize(ctx, auth.Authenticated)
	if err != nil {
		return nil, err
	}

	up, ok := upload.FromContext(ctx)
	if !ok || !up.Accepted {
		return nil, apperr.Unprocessable("An image upload is required.").
			WithData(map[string]any{"field": "image"})
	}

	owner := id.UserID
	rec := &datastore.Image{
		Name:      up.StoredName,
		MimeType:  up.MimeType,
		SizeBytes: up.SizeBytes,
		Caption:   args.Caption,
		OwnerID:   &owner,
	}
	if err := r.images.Insert(ctx, rec); err != nil {
		return nil, xerrors.Wrap(err, "register image")
	}
	r.logger.Info(ctx, "image registered", "name", rec.Name, "owner", owner)
	if r.OnRegistered != nil {
		r.OnRegistered()
	}
	return &imageResolver{rec: *rec}, nil
}

type viewerResolver struct {
	id auth.Identity
}

func (v *viewerResolver) Authenticated() bool { return v.id.Authenticated }

func (v *viewerResolver) UserID() *string {
	if v.id.UserID == "" {
		return nil
	}
	id := v.id.UserID
	return &id
}

type imageResolver struct {
	rec datastore.Image
}

func (i *imageResolver) ID() graphql.ID { return graphql.ID(i.rec.ID) }
func (i *imageResolver) Name() string { return i.rec.Name }
func (i *imageResolver) URL() string { return storage.URL(i.rec.Name) }
func (i *imageResolver) MimeType() string { return i.rec.MimeType }
func (i *imageResolver) Caption() *string { return i.rec.Caption }
func (i *imageResolver) OwnerID() *string { return i.rec.OwnerID }

// SizeBytes saturates at the GraphQL Int range.
func (i *imageResolver) SizeBytes() int32 {
	if i.rec.SizeBytes > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(i.rec.SizeBytes)
}

// CreatedAt uses the stored name's timestamp layout so the wire format
// always carries three fractional digits.
func (i *imageResolver) CreatedAt() string {
	return i.rec.CreatedAt().Format(upload.TimestampLayout)
}
