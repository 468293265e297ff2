package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// Disk stores objects as files under Root/<bucket>/<name>.
type Disk struct {
	Root string
}

func NewDisk(root string) (*Disk, error) {
	if root == "" {
		return nil, xerrors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve storage root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create storage root %s", abs)
	}
	return &Disk{Root: abs}, nil
}

func (d *Disk) path(bucket, name string) string {
	return filepath.Join(d.Root, bucket, name)
}

func (d *Disk) Put(ctx context.Context, bucket, name string, r io.Reader, contentType string) (int64, error) {
	if err := checkNames(bucket, name); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Join(d.Root, bucket), 0o755); err != nil {
		return 0, xerrors.Wrapf(err, "create bucket dir %s", bucket)
	}

	p := d.path(bucket, name)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, xerrors.Wrapf(ErrExists, "%s/%s", bucket, name)
		}
		return 0, xerrors.Wrapf(err, "create %s/%s", bucket, name)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return n, xerrors.Wrapf(err, "write %s/%s", bucket, name)
	}
	return n, nil
}

func (d *Disk) Open(ctx context.Context, bucket, name string) (*Object, error) {
	if err := checkNames(bucket, name); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path(bucket, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Wrapf(ErrNotFound, "%s/%s", bucket, name)
		}
		return nil, xerrors.Wrapf(err, "open %s/%s", bucket, name)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Wrapf(err, "stat %s/%s", bucket, name)
	}
	if st.IsDir() {
		f.Close()
		return nil, xerrors.Wrapf(ErrNotFound, "%s/%s", bucket, name)
	}
	return &Object{
		Body:        f,
		Size:        st.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		ModTime:     st.ModTime(),
	}, nil
}
