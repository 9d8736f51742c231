package artifact

import (
	"context"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
)

// MinioStore keeps artifacts in an S3-compatible bucket
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and creates the bucket if missing
func NewMinioStore(ctx context.Context, cfg am.MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create S3 client")
	}

	s := &MinioStore{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "failed to check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Wrapf(err, "failed to create bucket %s", s.bucket)
	}
	return nil
}

// Ref implements Store
func (s *MinioStore) Ref(key string) string {
	return Ref{Scheme: SchemeS3, Bucket: s.bucket, Key: key}.String()
}

func (s *MinioStore) object(ref string) (Ref, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return Ref{}, err
	}
	if parsed.Scheme != SchemeS3 {
		return Ref{}, errors.Invalidf("S3 store cannot serve %s references", parsed.Scheme)
	}
	return parsed, nil
}

// Put implements Store
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", errors.Wrapf(err, "s3 put object %s", key)
	}
	return s.Ref(key), nil
}

// Open implements Store
func (s *MinioStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	obj, err := s.object(ref)
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; stat first so a missing key surfaces here
	if _, err := s.client.StatObject(ctx, obj.Bucket, obj.Key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil, errors.NotFoundf("artifact not found: %s", ref)
		}
		return nil, errors.Wrapf(err, "s3 stat object %s", obj.Key)
	}
	reader, err := s.client.GetObject(ctx, obj.Bucket, obj.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "s3 get object %s", obj.Key)
	}
	return reader, nil
}

// Exists implements Store
func (s *MinioStore) Exists(ctx context.Context, ref string) (bool, error) {
	obj, err := s.object(ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, obj.Bucket, obj.Key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "s3 stat object %s", obj.Key)
}

// Delete implements Store
func (s *MinioStore) Delete(ctx context.Context, ref string) error {
	obj, err := s.object(ref)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, obj.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return errors.Wrapf(err, "s3 remove object %s", obj.Key)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
