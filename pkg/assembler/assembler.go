// Package assembler turns a complete chunk set into the final file.
// Assembly runs at most once per file even when the two last chunks
// land on separate connections at the same instant: the caller holds
// the per-(session,file) lock and the status double-check below makes
// the operation idempotent.
package assembler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cainmagi/dash-uploader/pkg/api"
	"github.com/cainmagi/dash-uploader/pkg/config"
	ce "github.com/cainmagi/dash-uploader/pkg/errors"
	"github.com/cainmagi/dash-uploader/pkg/fileops"
	"github.com/cainmagi/dash-uploader/pkg/store"
	"github.com/cainmagi/dash-uploader/pkg/tracker"
)

type Engine struct {
	store           *store.ChunkStore
	tracker         *tracker.Tracker
	retry           fileops.Policy
	collisionPolicy string
}

func New(st *store.ChunkStore, tr *tracker.Tracker, retry fileops.Policy, collisionPolicy string) *Engine {
	return &Engine{
		store:           st,
		tracker:         tr,
		retry:           retry,
		collisionPolicy: collisionPolicy,
	}
}

// Assemble concatenates the staged chunks of a file in ascending index
// order into its final destination. The caller must hold the file's
// lock and must have observed a complete chunk set. Returns the final
// path, or "" when another request already assembled the file.
func (e *Engine) Assemble(uploadID, filename string) (string, error) {
	f := e.tracker.File(uploadID, filename)
	if f == nil {
		return "", ce.NewServerError(nil, "file %q is not registered in session %q", filename, uploadID)
	}

	// Re-check under the lock: if a concurrent request already moved
	// the status past Uploading there is nothing left to do.
	if !e.tracker.MarkAssembling(uploadID, filename) {
		if f.Status == api.StatusCompleted {
			return f.FinalPath(), nil
		}
		return "", nil
	}

	finalPath, err := e.resolveDestination(uploadID, filename)
	if err != nil {
		e.tracker.MarkFailed(uploadID, filename)
		return "", err
	}

	tmp := filepath.Join(filepath.Dir(finalPath), fmt.Sprintf(".assembling.%s", uuid.NewString()))
	if err := e.concat(uploadID, filename, f.TotalChunks, tmp); err != nil {
		_ = os.Remove(tmp)
		// Staged chunks are untouched, so re-sending the completing
		// chunk retries assembly without re-uploading anything.
		e.tracker.RevertToUploading(uploadID, filename)
		return "", err
	}

	if err := e.retry.Retry("finalize upload", func() error { return os.Rename(tmp, finalPath) }); err != nil {
		_ = os.Remove(tmp)
		e.tracker.RevertToUploading(uploadID, filename)
		return "", ce.NewServerError(err, "could not finalize %q", filename)
	}

	e.store.RemoveAll(uploadID, filename)
	e.tracker.MarkCompleted(uploadID, filename, finalPath)
	log.Info().
		Str("upload_id", uploadID).
		Str("file", finalPath).
		Int("chunks", f.TotalChunks).
		Msg("Upload assembled")
	return finalPath, nil
}

// concat streams chunks 1..totalChunks into tmp. The single rename
// that publishes the result happens in Assemble; nothing under the
// final path is ever partially visible.
func (e *Engine) concat(uploadID, filename string, totalChunks int, tmp string) error {
	out, err := os.Create(tmp)
	if err != nil {
		return ce.NewServerError(err, "could not create assembly file for %q", filename)
	}
	defer out.Close()

	for idx := 1; idx <= totalChunks; idx++ {
		in, err := e.store.ChunkReader(uploadID, filename, idx)
		if err != nil {
			// A missing chunk here means the staging area was tampered
			// with after the completion check.
			e.tracker.MarkFailed(uploadID, filename)
			return ce.NewServerError(err, "staged chunk %d of %q disappeared", idx, filename)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return ce.NewServerError(err, "could not append chunk %d of %q", idx, filename)
		}
	}
	if err := out.Sync(); err != nil {
		return ce.NewServerError(err, "could not flush assembly file for %q", filename)
	}
	return nil
}

// resolveDestination applies the configured collision policy when the
// final path already exists from an earlier, unrelated upload.
func (e *Engine) resolveDestination(uploadID, filename string) (string, error) {
	finalPath := e.store.FinalPath(uploadID, filename)
	if _, err := os.Stat(finalPath); err != nil {
		return finalPath, nil
	}

	switch e.collisionPolicy {
	case config.CollisionOverwrite:
		return finalPath, nil
	case config.CollisionReject:
		return "", ce.NewServerError(nil, "destination %q already exists", finalPath)
	case config.CollisionRename:
		return nextFreePath(finalPath), nil
	default:
		return "", ce.NewServerError(nil, "unknown collision policy %q", e.collisionPolicy)
	}
}

// nextFreePath suffixes the stem with " (1)", " (2)", ... until the
// name is unused.
func nextFreePath(path string) string {
	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}
