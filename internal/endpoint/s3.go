package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/roach88/corral/internal/exchange"
)

// S3Config holds client parameters for s3: endpoints. Empty fields fall
// back to the default AWS configuration chain.
type S3Config struct {
	Region          string
	Endpoint        string // optional; custom endpoint such as MinIO
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// ObjectPutter is the subset of *s3.Client the endpoint uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes each letter as one JSON object.
type S3 struct {
	client ObjectPutter
	bucket string
	prefix string
	deps   Deps
}

// NewS3 builds a client for s3://bucket/prefix from deps.S3.
func NewS3(ctx context.Context, uri string, deps Deps) (*S3, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("s3 endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("s3 endpoint %q: bucket required", uri)
	}

	cfg := deps.S3
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 endpoint: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewS3WithClient(client, u.Host, strings.Trim(u.Path, "/"), deps), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client ObjectPutter, bucket, prefix string, deps Deps) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, deps: deps.withDefaults()}
}

// ObjectKey returns the object key the letter for exchangeID is written to.
func (s *S3) ObjectKey(exchangeID string) string {
	return path.Join(s.prefix, exchangeID+".json")
}

// Send writes the letter for ex. A resend overwrites the same object.
func (s *S3) Send(ctx context.Context, key string, ex *exchange.Exchange) error {
	letter, err := NewLetter(s.deps.Codec, s.deps.Clock.Now(), key, ex)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("s3 endpoint: encode letter: %w", err)
	}

	objectKey := s.ObjectKey(ex.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 endpoint: put %s/%s: %w", s.bucket, objectKey, err)
	}
	return nil
}

// Close is a no-op.
func (s *S3) Close() error { return nil }
