package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-social/internal/xerrors"
)

// s3API is the subset of the S3 client used here.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 stores objects at s3://Bucket/Prefix/<bucket>/<name>.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

func NewS3(client s3API, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("s3 bucket is required")
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3) key(bucket, name string) string {
	if s.prefix == "" {
		return path.Join(bucket, name)
	}
	return path.Join(s.prefix, bucket, name)
}

// Put spools r to a temp file so the SDK gets a seekable body with a known
// length, then uploads it with If-None-Match so existing keys are kept.
func (s *S3) Put(ctx context.Context, bucket, name string, r io.Reader, contentType string) (int64, error) {
	if err := checkNames(bucket, name); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp("", "upload-*")
	if err != nil {
		return 0, xerrors.Wrap(err, "create spool file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, xerrors.Wrap(err, "spool upload")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return n, xerrors.Wrap(err, "rewind spool file")
	}

	key := s.key(bucket, name)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          tmp,
		ContentLength: aws.Int64(n),
		IfNoneMatch:   aws.String("*"),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return n, xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, key)
	}
	return n, nil
}

func (s *S3) Open(ctx context.Context, bucket, name string) (*Object, error) {
	if err := checkNames(bucket, name); err != nil {
		return nil, err
	}
	key := s.key(bucket, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, xerrors.Wrapf(ErrNotFound, "s3://%s/%s", s.bucket, key)
		}
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, key)
	}
	return &Object{
		Body:        out.Body,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ModTime:     aws.ToTime(out.LastModified),
	}, nil
}
