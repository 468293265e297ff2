// Package storage persists uploaded files into named buckets.
//
// Two backends are provided: Disk writes under a local root directory and
// S3 writes to an AWS S3 bucket under a key prefix. Both reject object
// names that are not a single safe path segment.
package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/keithlinneman/linnemanlabs-social/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// ImagesBucket holds accepted image uploads.
const ImagesBucket = "images"

// ImagesPath is where the static read path serves the images bucket.
const ImagesPath = "/images/"

// URL returns the static read path for a stored image name.
func URL(name string) string {
	return ImagesPath + url.PathEscape(name)
}

var (
	ErrNotFound    = errors.New("storage: object not found")
	ErrExists      = errors.New("storage: object already exists")
	ErrInvalidName = errors.New("storage: invalid object name")
)

// Store is the storage collaborator used by the upload acceptor and the
// static read path.
type Store interface {
	// Put writes r to bucket/name and returns the number of bytes stored.
	// Existing objects are never overwritten.
	Put(ctx context.Context, bucket, name string, r io.Reader, contentType string) (int64, error)
	// Open returns a reader for bucket/name or ErrNotFound.
	Open(ctx context.Context, bucket, name string) (*Object, error)
}

// Object is an open stored object. Callers must Close Body.
type Object struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	ModTime     time.Time
}

func checkNames(bucket, name string) error {
	if !pathutil.IsSafeName(bucket) {
		return xerrors.Wrapf(ErrInvalidName, "bucket %q", bucket)
	}
	if !pathutil.IsSafeName(name) {
		return xerrors.Wrapf(ErrInvalidName, "object %q", name)
	}
	return nil
}
