package signer

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
)

// S3Options configures an S3 presigner.
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Expiry    time.Duration
}

// S3Resolver presigns GetObject requests with the AWS SDK.
type S3Resolver struct {
	presign *s3.PresignClient
	expiry  time.Duration
}

// NewS3 loads AWS configuration (static keys if given, otherwise the default
// credential chain) and returns a presigner. A custom endpoint switches to
// path-style addressing for S3-compatible stores.
func NewS3(ctx context.Context, opts S3Options) (*S3Resolver, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3FromClient(client, opts.Expiry), nil
}

// NewS3FromClient wraps an existing client.
func NewS3FromClient(client *s3.Client, expiry time.Duration) *S3Resolver {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &S3Resolver{presign: s3.NewPresignClient(client), expiry: expiry}
}

// Resolve presigns each path.
func (r *S3Resolver) Resolve(ctx context.Context, paths []string, bucket string) ([]SignedURL, error) {
	out := make([]SignedURL, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(p),
		}, s3.WithPresignExpires(r.expiry))
		if err != nil {
			return nil, errors.Wrapf(err, "presign %s", p)
		}
		out = append(out, SignedURL{Path: p, URL: req.URL})
	}
	return out, nil
}
