package signer

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// LocalResolver serves objects from a directory laid out as
// {root}/{bucket}/{path}, returning file:// URLs.
type LocalResolver struct {
	root string
}

// NewLocal returns a resolver rooted at dir.
func NewLocal(dir string) (*LocalResolver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve local directory %s", dir)
	}
	return &LocalResolver{root: abs}, nil
}

// Root returns the directory objects are served from.
func (r *LocalResolver) Root() string {
	return r.root
}

// Resolve maps each path to a file URL. Files are not checked for existence,
// matching presigned URLs, which are valid before the object exists.
func (r *LocalResolver) Resolve(ctx context.Context, paths []string, bucket string) ([]SignedURL, error) {
	out := make([]SignedURL, 0, len(paths))
	for _, p := range paths {
		full := filepath.Join(r.root, bucket, filepath.FromSlash(p))
		if !strings.HasPrefix(full, r.root+string(filepath.Separator)) {
			return nil, errors.Newf("path %q escapes storage root", p)
		}
		u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
		out = append(out, SignedURL{Path: p, URL: u.String()})
	}
	return out, nil
}
