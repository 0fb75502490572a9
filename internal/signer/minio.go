package signer

import (
	"context"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOOptions configures a MinIO presigner.
type MinIOOptions struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Expiry    time.Duration
}

// MinIOResolver presigns URLs with minio-go.
type MinIOResolver struct {
	client *minio.Client
	expiry time.Duration
}

// NewMinIO connects a MinIO client. No request is made until Resolve.
func NewMinIO(opts MinIOOptions) (*MinIOResolver, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	// MinIO rejects expiries beyond seven days.
	if expiry > 7*24*time.Hour {
		expiry = 7 * 24 * time.Hour
	}
	return &MinIOResolver{client: client, expiry: expiry}, nil
}

// Resolve presigns each path.
func (r *MinIOResolver) Resolve(ctx context.Context, paths []string, bucket string) ([]SignedURL, error) {
	out := make([]SignedURL, 0, len(paths))
	for _, p := range paths {
		u, err := r.client.PresignedGetObject(ctx, bucket, p, r.expiry, url.Values{})
		if err != nil {
			return nil, errors.Wrapf(err, "presign %s", p)
		}
		out = append(out, SignedURL{Path: p, URL: u.String()})
	}
	return out, nil
}
