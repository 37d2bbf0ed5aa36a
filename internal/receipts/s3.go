package receipts

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"chaintv/internal/logging"
)

// S3Object is the subset of *minio.Object the archive reads through.
type S3Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// S3Client is the subset of *minio.Client the archive uses.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error)
}

// minioClient adapts *minio.Client to S3Client.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error) {
	obj, err := c.Client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// S3Archive implements Archive on any S3-compatible bucket.
type S3Archive struct {
	client S3Client
	bucket string
	prefix string
}

// S3Config holds configuration for the S3 archive.
type S3Config struct {
	Endpoint string // host[:port], no scheme
	KeyID    string
	AppKey   string
	Bucket   string
	Prefix   string // optional folder prefix for all objects
	Insecure bool   // plain HTTP, for local minio
}

// NewS3Archive creates a new S3-backed archive.
func NewS3Archive(cfg S3Config) (*S3Archive, error) {
	logging.Receipts.Info().Str("bucket", cfg.Bucket).Str("prefix", cfg.Prefix).Str("endpoint", cfg.Endpoint).Msg("initializing receipt archive")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		logging.Receipts.Error().Err(err).Msg("failed to create s3 client")
		return nil, err
	}

	return NewS3ArchiveWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveWithClient is NewS3Archive with an injected client.
func NewS3ArchiveWithClient(client S3Client, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archive) key(id string) string {
	if a.prefix == "" {
		return id + ".json"
	}
	return path.Join(a.prefix, id+".json")
}

func (a *S3Archive) Save(ctx context.Context, id string, data io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	key := a.key(id)

	info, err := a.client.PutObject(ctx, a.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		logging.Receipts.Error().Err(err).Str("key", key).Msg("upload failed")
		return err
	}

	logging.Receipts.Debug().Str("key", key).Int64("bytes", info.Size).Msg("receipt archived")
	return nil
}

func (a *S3Archive) Load(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	key := a.key(id)

	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		logging.Receipts.Error().Err(err).Str("key", key).Msg("failed to stat receipt")
		return nil, err
	}
	return obj, nil
}
