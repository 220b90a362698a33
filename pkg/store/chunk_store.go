// Package store persists not-yet-assembled chunk payloads in a staging
// area on the local filesystem. Chunks are addressed by
// (upload id, filename, chunk index) and staged as
// {root}/{upload_id}/{filename}.part.{index}.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/cainmagi/dash-uploader/pkg/fileops"
)

type ChunkStore struct {
	root        string
	useUploadID bool
	retry       fileops.Policy
}

func New(root string, useUploadID bool, retry fileops.Policy) *ChunkStore {
	return &ChunkStore{
		root:        root,
		useUploadID: useUploadID,
		retry:       retry,
	}
}

// SessionDir returns the folder owned by one upload session. With
// use_upload_id disabled all sessions share the root folder.
func (s *ChunkStore) SessionDir(uploadID string) string {
	if !s.useUploadID || uploadID == "" {
		return s.root
	}
	return filepath.Join(s.root, sanitize(uploadID))
}

// FinalPath is where the assembled file ends up.
func (s *ChunkStore) FinalPath(uploadID, filename string) string {
	return filepath.Join(s.SessionDir(uploadID), sanitize(filename))
}

func (s *ChunkStore) chunkPath(uploadID, filename string, index int) string {
	return filepath.Join(s.SessionDir(uploadID), fmt.Sprintf("%s.part.%d", sanitize(filename), index))
}

// WriteChunk stages one chunk payload. A chunk already present with the
// same byte size is left untouched; a size mismatch is treated as stale
// data and replaced. The payload is first copied to a temporary file so
// that a concurrent probe can never observe a half-written chunk.
func (s *ChunkStore) WriteChunk(uploadID, filename string, index int, payload io.Reader) (int64, error) {
	dst := s.chunkPath(uploadID, filename, index)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, errors.Wrap(err, "could not create staging folder")
	}

	tmp := dst + ".tmp." + uuid.NewString()
	f, err := os.Create(tmp)
	if err != nil {
		return 0, errors.Wrap(err, "could not create temporary chunk file")
	}
	written, err := io.Copy(f, payload)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, errors.Wrapf(err, "could not stage chunk %d of %s", index, filename)
	}

	if fi, statErr := os.Stat(dst); statErr == nil && fi.Size() == written {
		// Duplicate delivery of a chunk we already hold.
		_ = os.Remove(tmp)
		return written, nil
	}

	if err := s.retry.Retry("stage chunk", func() error { return os.Rename(tmp, dst) }); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return written, nil
}

// HasChunk reports whether a complete chunk of the expected size is
// already staged. A staged chunk of the wrong size is deleted so the
// client re-sends it.
func (s *ChunkStore) HasChunk(uploadID, filename string, index int, expectedSize int64) bool {
	path := s.chunkPath(uploadID, filename, index)
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if fi.Size() != expectedSize {
		log.Warn().
			Str("chunk", path).
			Int64("expected", expectedSize).
			Int64("actual", fi.Size()).
			Msg("Staged chunk has unexpected size, invalidating")
		if err := s.retry.Retry("invalidate chunk", func() error { return os.Remove(path) }); err != nil {
			log.Error().Err(err).Str("chunk", path).Msg("Could not remove stale chunk")
		}
		return false
	}
	return true
}

// ChunkSize returns the byte size of a staged chunk.
func (s *ChunkStore) ChunkSize(uploadID, filename string, index int) (int64, error) {
	fi, err := os.Stat(s.chunkPath(uploadID, filename, index))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ChunkReader opens a staged chunk for reading.
func (s *ChunkStore) ChunkReader(uploadID, filename string, index int) (io.ReadCloser, error) {
	return os.Open(s.chunkPath(uploadID, filename, index))
}

// ListChunks enumerates the indices currently staged for one file, in
// ascending order. Plain directory listing with a prefix match; glob
// patterns would misread filenames containing metacharacters.
func (s *ChunkStore) ListChunks(uploadID, filename string) ([]int, error) {
	entries, err := os.ReadDir(s.SessionDir(uploadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "could not enumerate staged chunks")
	}
	prefix := sanitize(filename) + ".part."
	indices := make([]int, 0, len(entries))
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil {
			// Temporary files share the prefix, skip them.
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// RemoveAll deletes every staged chunk of a file once it has been
// assembled. Removal failures are retried and then logged; stale part
// files are harmless and can be swept later.
func (s *ChunkStore) RemoveAll(uploadID, filename string) {
	indices, err := s.ListChunks(uploadID, filename)
	if err != nil {
		log.Error().Err(err).Str("file", filename).Msg("Could not list staged chunks for cleanup")
		return
	}
	for _, idx := range indices {
		path := s.chunkPath(uploadID, filename, idx)
		if err := s.retry.Retry("remove chunk", func() error { return os.Remove(path) }); err != nil {
			log.Error().Err(err).Str("chunk", path).Msg("Could not remove staged chunk")
		}
	}
}

// sanitize strips any path component from a client supplied name.
func sanitize(name string) string {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "_"
	}
	return base
}
