package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/errors"
)

// LocalStore keeps artifacts under a directory
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local artifact root cannot be empty")
	}
	if err := os.MkdirAll(root, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create artifact root %s", root)
	}
	return &LocalStore{root: root}, nil
}

// Ref implements Store
func (s *LocalStore) Ref(key string) string {
	return Ref{Scheme: SchemeLocal, Key: key}.String()
}

func (s *LocalStore) pathFor(ref string) (string, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != SchemeLocal {
		return "", errors.Invalidf("local store cannot serve %s references", parsed.Scheme)
	}
	return filepath.Join(s.root, filepath.FromSlash(parsed.Key)), nil
}

// Put writes through a temp file and renames, so readers never see a partial object
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	ref := s.Ref(key)
	dest, err := s.pathFor(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), am.DefaultDirPermissions); err != nil {
		return "", errors.Wrap(err, "failed to create artifact directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create artifact")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "failed to write artifact %s", key)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to write artifact %s", key)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", errors.Wrapf(err, "failed to commit artifact %s", key)
	}
	return ref, nil
}

// Open implements Store
func (s *LocalStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.pathFor(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("artifact not found: %s", ref)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %s", ref)
	}
	return f, nil
}

// Exists implements Store
func (s *LocalStore) Exists(_ context.Context, ref string) (bool, error) {
	p, err := s.pathFor(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat artifact %s", ref)
	}
	return true, nil
}

// Delete implements Store
func (s *LocalStore) Delete(_ context.Context, ref string) error {
	p, err := s.pathFor(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete artifact %s", ref)
	}
	return nil
}

// contextReader stops a copy once ctx ends
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
