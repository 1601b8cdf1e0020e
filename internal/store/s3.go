package store

import (
	"context"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/metal-toolbox/bmcmgmt/internal/configuration"
	"github.com/metal-toolbox/bmcmgmt/internal/model"
	"github.com/pkg/errors"
)

// Uploader is the part of the s3 upload manager the archive uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 stores archives as objects in a bucket.
type S3 struct {
	uploader Uploader
	bucket   string
	prefix   string
}

// NewS3 builds an S3 archive from the default AWS credential chain, static
// keys from config take precedence. A custom endpoint selects path style
// addressing for S3 compatible stores.
func NewS3(ctx context.Context, config *configuration.ArchiveOptions) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{}

	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}

	if config.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(model.ErrConfig, "s3 archive: "+err.Error())
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3WithUploader(manager.NewUploader(client), config.Bucket, config.Prefix), nil
}

func NewS3WithUploader(uploader Uploader, bucket, prefix string) *S3 {
	return &S3{uploader: uploader, bucket: bucket, prefix: prefix}
}

func (s *S3) key(key string) string {
	return path.Join(s.prefix, key)
}

func (s *S3) Location(key string) string {
	return "s3://" + s.bucket + "/" + s.key(key)
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(key)),
		Body:        r,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(model.ErrArchive, s.Location(key)+": "+err.Error())
	}

	slog.Info("sel archived", "location", out.Location)

	return nil
}
