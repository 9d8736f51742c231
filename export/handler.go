// Package export bundles project files into zip archives.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/artifact"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
)

// Payload is the input of an export job. Files are relative to the source root.
type Payload struct {
	Files []string `json:"files"`
}

// Handler executes export jobs in three steps: collect, archive, upload
type Handler struct {
	sourceRoot string
	workDir    string
	store      artifact.Store
	logger     *zap.SugaredLogger
}

// NewHandler creates the export handler
func NewHandler(cfg am.ExportConfig, store artifact.Store, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = logger.Logger
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Handler{
		sourceRoot: cfg.SourceRoot,
		workDir:    workDir,
		store:      store,
		logger:     log.Named("export"),
	}
}

// Name implements async.JobHandler
func (h *Handler) Name() string {
	return string(async.KindExport)
}

// archivePath is the partial archive of a job, removed by Cleanup
func (h *Handler) archivePath(jobID string) string {
	return filepath.Join(h.workDir, "segpulse-export-"+jobID+".zip")
}

// Steps implements async.JobHandler
func (h *Handler) Steps(job *async.Job) ([]async.Step, error) {
	var sources []string

	return []async.Step{
		{Name: "collect", Run: func(ctx context.Context, run *async.Run) error {
			p, err := DecodePayload(run.Job.Payload)
			if err != nil {
				return err
			}
			sources = make([]string, 0, len(p.Files))
			for _, rel := range p.Files {
				src, err := h.resolve(rel)
				if err != nil {
					return err
				}
				if _, err := os.Stat(src); err != nil {
					return errors.Wrapf(err, "export source %s", rel)
				}
				sources = append(sources, src)
			}
			return nil
		}},
		{Name: "archive", Run: func(ctx context.Context, run *async.Run) error {
			return h.writeArchive(ctx, h.archivePath(run.Job.ID), sources)
		}},
		{Name: "upload", Run: func(ctx context.Context, run *async.Run) error {
			path := h.archivePath(run.Job.ID)
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrap(err, "failed to open archive")
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return errors.Wrap(err, "failed to stat archive")
			}
			ref, err := h.store.Put(ctx, artifact.ExportKey(run.Job.ID), f, info.Size(), "application/zip")
			if err != nil {
				return err
			}
			run.ArtifactRef = ref
			if err := os.Remove(path); err != nil {
				h.logger.Warnw("Failed to remove uploaded archive", logger.FieldJobID, run.Job.ID, logger.FieldError, err)
			}
			return nil
		}},
	}, nil
}

// Cleanup removes the local partial archive and any uploaded object
func (h *Handler) Cleanup(ctx context.Context, run *async.Run) error {
	if err := os.Remove(h.archivePath(run.Job.ID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove partial archive for job %s", run.Job.ID)
	}
	ref := run.ArtifactRef
	if ref == "" {
		ref = h.store.Ref(artifact.ExportKey(run.Job.ID))
	}
	if err := h.store.Delete(ctx, ref); err != nil {
		return errors.Wrapf(err, "failed to remove export for job %s", run.Job.ID)
	}
	return nil
}

// resolve maps a payload path under the source root. Names may contain
// dots; a ".." segment that climbs out of the root may not.
func (h *Handler) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", errors.Invalidf("invalid export path %q", rel)
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errors.Invalidf("invalid export path %q", rel)
	}
	return filepath.Join(h.sourceRoot, cleaned), nil
}

// writeArchive zips sources into dest, checking ctx between files
func (h *Handler) writeArchive(ctx context.Context, dest string, sources []string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), am.DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create work directory")
	}
	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "failed to create archive")
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "failed to close archive")
		}
	}()

	zw := zip.NewWriter(out)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(h.sourceRoot, src)
		if err != nil {
			return errors.Wrapf(err, "failed to name archive entry for %s", src)
		}
		if err := addFile(zw, src, filepath.ToSlash(rel)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "failed to finish archive")
	}
	return nil
}

func addFile(zw *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", name)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", name)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.Wrapf(err, "failed to build header for %s", name)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return errors.Wrapf(err, "failed to add %s", name)
	}
	if _, err := io.Copy(w, f); err != nil {
		return errors.Wrapf(err, "failed to write %s", name)
	}
	return nil
}

// DecodePayload parses and checks an export payload
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, errors.Invalidf("export payload is empty")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Mark(errors.Wrap(err, "failed to parse export payload"), errors.ErrInvalidRequest)
	}
	if len(p.Files) == 0 {
		return p, errors.Invalidf("export payload has no files")
	}
	return p, nil
}
