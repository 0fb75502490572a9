package signer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Backend names accepted by New.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinIO = "minio"
)

// Options selects and configures a resolver backend.
type Options struct {
	Backend   string
	LocalDir  string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Expiry    time.Duration
}

// New builds the resolver for opts.Backend.
func New(ctx context.Context, opts Options) (Resolver, error) {
	switch opts.Backend {
	case BackendLocal, "":
		return NewLocal(opts.LocalDir)
	case BackendS3:
		return NewS3(ctx, S3Options{
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			Expiry:    opts.Expiry,
		})
	case BackendMinIO:
		return NewMinIO(MinIOOptions{
			Endpoint:  opts.Endpoint,
			Region:    opts.Region,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			UseSSL:    opts.UseSSL,
			Expiry:    opts.Expiry,
		})
	}
	return nil, errors.Newf("unknown storage backend %q", opts.Backend)
}
