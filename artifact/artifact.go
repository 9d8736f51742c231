// Package artifact stores job outputs and resolves artifact references.
//
// A reference names both the backend and the object: local://<key> for the
// filesystem store and s3://<bucket>/<key> for S3-compatible storage.
package artifact

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
)

// Reference schemes
const (
	SchemeLocal = "local"
	SchemeS3    = "s3"
)

// Store persists artifacts by key
type Store interface {
	// Put writes the object and returns its reference
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	// Open reads the object behind a reference. A missing object is ErrNotFound.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Exists reports whether the object behind a reference is present
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, ref string) error
	// Ref returns the reference Put would return for key
	Ref(key string) string
}

// Ref is a parsed artifact reference
type Ref struct {
	Scheme string
	Bucket string // s3 only
	Key    string
}

// String renders the reference
func (r Ref) String() string {
	if r.Scheme == SchemeS3 {
		return SchemeS3 + "://" + r.Bucket + "/" + r.Key
	}
	return r.Scheme + "://" + r.Key
}

// ParseRef splits a reference into its parts
func ParseRef(ref string) (Ref, error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || rest == "" {
		return Ref{}, errors.Invalidf("malformed artifact reference %q", ref)
	}

	switch scheme {
	case SchemeLocal:
		key, err := CleanKey(rest)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Scheme: SchemeLocal, Key: key}, nil
	case SchemeS3:
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" {
			return Ref{}, errors.Invalidf("artifact reference %q has no bucket", ref)
		}
		key, err := CleanKey(key)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Scheme: SchemeS3, Bucket: bucket, Key: key}, nil
	default:
		return Ref{}, errors.Invalidf("unknown artifact scheme %q", scheme)
	}
}

// CleanKey normalises an object key and rejects keys escaping the store root
func CleanKey(key string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(key, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Invalidf("invalid artifact key %q", key)
	}
	return cleaned, nil
}

// SegmentationKey is where a segmentation job writes its result
func SegmentationKey(jobID string) string {
	return "segmentation/" + jobID + ".json"
}

// ExportKey is where an export job writes its archive
func ExportKey(jobID string) string {
	return "exports/" + jobID + ".zip"
}

// New builds the store selected by cfg
func New(ctx context.Context, cfg am.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case am.StorageLocal, "":
		return NewLocalStore(cfg.LocalRoot)
	case am.StorageMinio:
		return NewMinioStore(ctx, cfg.Minio)
	default:
		return nil, errors.Newf("unknown storage backend %q", cfg.Backend)
	}
}
