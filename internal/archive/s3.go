package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 archiver. Empty values fall back to the
// standard AWS configuration chain.
type S3Options struct {
	Bucket  string
	Prefix  string
	Region  string
	Profile string
	// Endpoint points the client at an S3-compatible service.
	Endpoint     string
	UsePathStyle bool
}

// putter is the part of the S3 client the archiver uses.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads documents to a bucket under a key prefix.
type S3 struct {
	client putter
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 builds an S3 client from the default AWS configuration chain
// with opts applied on top.
func NewS3(ctx context.Context, opts S3Options, logger *slog.Logger) (*S3, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return newS3(client, opts.Bucket, opts.Prefix, logger), nil
}

func newS3(client putter, bucket, prefix string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Write renders e and uploads it to <prefix>/<key>.
func (s *S3) Write(ctx context.Context, e Entry) error {
	doc, err := Render(e)
	if err != nil {
		return err
	}
	key := s.prefix + Key(e)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("text/markdown; charset=utf-8"),
		Metadata: map[string]string{
			"video-id":   e.Video.ID,
			"channel-id": e.Video.ChannelID,
		},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	s.logger.Debug("archived to s3", "video_id", e.Video.ID, "bucket", s.bucket, "key", key)
	return nil
}
