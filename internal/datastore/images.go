package datastore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

var ErrNotFound = errors.New("record not found")

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Image is a stored upload registered by a user.
type Image struct {
	ID        string  `db:"id"`
	Name      string  `db:"name"`
	MimeType  string  `db:"mime_type"`
	SizeBytes int64   `db:"size_bytes"`
	Caption   *string `db:"caption"`
	OwnerID   *string `db:"owner_id"`
	CreatedMS int64   `db:"created_at"`
}

// CreatedAt returns the creation time in UTC.
func (i Image) CreatedAt() time.Time {
	return time.UnixMilli(i.CreatedMS).UTC()
}

type ImageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func (r *ImageRepo) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Insert stores img, assigning an id and creation time when unset.
func (r *ImageRepo) Insert(ctx context.Context, img *Image) error {
	if img.Name == "" {
		return xerrors.New("image name is required")
	}
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	if img.CreatedMS == 0 {
		img.CreatedMS = r.clock().UnixMilli()
	}
	q := r.db.Rebind(`INSERT INTO images (id, name, mime_type, size_bytes, caption, owner_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, q,
		img.ID, img.Name, img.MimeType, img.SizeBytes, img.Caption, img.OwnerID, img.CreatedMS,
	); err != nil {
		return xerrors.Wrapf(err, "insert image %s", img.Name)
	}
	return nil
}

// Get returns the image stored under name, or ErrNotFound.
func (r *ImageRepo) Get(ctx context.Context, name string) (*Image, error) {
	var img Image
	q := r.db.Rebind(`SELECT id, name, mime_type, size_bytes, caption, owner_id, created_at
FROM images WHERE name = ?`)
	if err := r.db.GetContext(ctx, &img, q, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "get image %s", name)
	}
	return &img, nil
}

// List returns the newest images first. limit is clamped to
// [1, MaxListLimit]; zero or less means DefaultListLimit.
func (r *ImageRepo) List(ctx context.Context, limit int) ([]Image, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	out := []Image{}
	q := r.db.Rebind(`SELECT id, name, mime_type, size_bytes, caption, owner_id, created_at
FROM images ORDER BY created_at DESC, name DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, xerrors.Wrap(err, "list images")
	}
	return out, nil
}
