package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"securesend/internal/common"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config selects the bucket and, for S3-compatible servers such as MinIO,
// an explicit endpoint and static credentials.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Store keeps blobs as objects in one bucket. Staged writes are spooled to
// a local temp file so PutObject gets a seekable body of known length.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	tmpDir        string
}

// NewS3Client builds an S3 client from cfg, falling back to the default
// credential chain when no static keys are given.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Store(client *s3.Client, bucketName string) *S3Store {
	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucketName:    bucketName,
		tmpDir:        os.TempDir(),
	}
}

func (s *S3Store) Begin(ctx context.Context, id string) (Upload, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty object key", common.ErrValidation)
	}
	f, err := os.CreateTemp(s.tmpDir, "securesend-s3-*")
	if err != nil {
		return nil, storageErr("stage blob", err)
	}
	return &s3Upload{store: s, id: id, f: f}, nil
}

func (s *S3Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(id),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, common.ErrNotFound
		}
		return nil, storageErr("get object", err)
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(id),
	})
	if err != nil {
		return storageErr("delete object", err)
	}
	return nil
}

// PresignGet returns a time-limited URL for fetching the frame stream
// directly from the bucket.
func (s *S3Store) PresignGet(ctx context.Context, id string, ttl time.Duration) (string, error) {
	request, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(id),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", storageErr("presign get", err)
	}
	return request.URL, nil
}

type s3Upload struct {
	store *S3Store
	id    string
	f     *os.File
	size  int64
	done  bool
}

func (u *s3Upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, errUploadClosed
	}
	n, err := u.f.Write(p)
	u.size += int64(n)
	if err != nil {
		return n, storageErr("spool blob", err)
	}
	return n, nil
}

func (u *s3Upload) Commit(ctx context.Context) error {
	if u.done {
		return errUploadClosed
	}
	u.done = true
	defer u.cleanup()

	if _, err := u.f.Seek(0, io.SeekStart); err != nil {
		return storageErr("rewind blob", err)
	}
	_, err := u.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.store.bucketName),
		Key:           aws.String(u.id),
		Body:          u.f,
		ContentLength: aws.Int64(u.size),
		ContentType:   aws.String("application/octet-stream"),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return common.ErrConflict
		}
		return storageErr("put object", err)
	}
	return nil
}

func (u *s3Upload) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.cleanup()
	return nil
}

func (u *s3Upload) cleanup() {
	_ = u.f.Close()
	_ = os.Remove(u.f.Name())
}

// isPreconditionFailed reports whether a conditional write lost because the
// key already exists.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
