package handler

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	ce "github.com/cainmagi/dash-uploader/pkg/errors"
)

// Wire parameter names of the resumable.js browser client, plus the
// session fields the upload component adds on top.
const (
	ParamChunkNumber      = "resumableChunkNumber"
	ParamChunkSize        = "resumableChunkSize"
	ParamCurrentChunkSize = "resumableCurrentChunkSize"
	ParamTotalSize        = "resumableTotalSize"
	ParamTotalChunks      = "resumableTotalChunks"
	ParamFilename         = "resumableFilename"
	ParamIdentifier       = "resumableIdentifier"
	ParamUploadID         = "upload_id"
	ParamTotalFilesCount  = "totalFilesCount"
)

// chunkParams is the declared metadata of one chunk request, identical
// for the GET probe and the POST delivery.
type chunkParams struct {
	UploadID         string
	Filename         string
	ChunkNumber      int
	ChunkSize        int64
	CurrentChunkSize int64
	TotalSize        int64
	TotalChunks      int
	TotalFilesCount  int
}

// parseChunkParams reads the chunk metadata from the query string (GET)
// or the multipart form (POST); echo resolves both through the same
// accessor.
func parseChunkParams(c echo.Context) (chunkParams, error) {
	var p chunkParams
	var err error

	value := func(name string) string {
		if v := c.QueryParam(name); v != "" {
			return v
		}
		return c.FormValue(name)
	}

	// resumable.js always sends a per-file identifier; it keys the
	// session when the uploading component did not supply upload_id.
	p.UploadID = value(ParamUploadID)
	if p.UploadID == "" {
		p.UploadID = value(ParamIdentifier)
	}
	p.Filename = value(ParamFilename)
	if p.Filename == "" {
		return p, ce.NewBadRequest("missing parameter %q", ParamFilename)
	}

	intParam := func(name string) int {
		if err != nil {
			return 0
		}
		v := value(name)
		if v == "" {
			err = ce.NewBadRequest("missing parameter %q", name)
			return 0
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = ce.NewBadRequest("parameter %q is not an integer: %q", name, v)
			return 0
		}
		return n
	}

	p.ChunkNumber = intParam(ParamChunkNumber)
	p.TotalChunks = intParam(ParamTotalChunks)
	p.ChunkSize = int64(intParam(ParamChunkSize))
	p.TotalSize = int64(intParam(ParamTotalSize))
	if err != nil {
		return p, err
	}

	// Optional: defaults keep plain resumable.js clients working.
	if v := value(ParamCurrentChunkSize); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			return p, ce.NewBadRequest("parameter %q is not an integer: %q", ParamCurrentChunkSize, v)
		}
		p.CurrentChunkSize = int64(n)
	} else {
		p.CurrentChunkSize = p.expectedChunkSize()
	}
	p.TotalFilesCount = 1
	if v := value(ParamTotalFilesCount); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			return p, ce.NewBadRequest("parameter %q is not an integer: %q", ParamTotalFilesCount, v)
		}
		if n > 0 {
			p.TotalFilesCount = n
		}
	}

	return p, nil
}

// expectedChunkSize derives the size of this chunk from the declared
// file layout. The protocol is 1-based; only the last chunk may be
// shorter than the declared chunk size.
func (p chunkParams) expectedChunkSize() int64 {
	if p.ChunkNumber == p.TotalChunks {
		remainder := p.TotalSize - int64(p.TotalChunks-1)*p.ChunkSize
		if remainder >= 0 {
			return remainder
		}
	}
	return p.ChunkSize
}

// validate enforces the declared-range invariants shared by probe and
// delivery. Size ceilings are checked separately because they map to a
// different error kind.
func (p chunkParams) validate() error {
	if p.TotalChunks < 1 {
		return ce.NewBadRequest("%s must be at least 1, got %d", ParamTotalChunks, p.TotalChunks)
	}
	if p.ChunkNumber < 1 || p.ChunkNumber > p.TotalChunks {
		return ce.NewBadRequest("%s out of range: got %d, expected 1..%d",
			ParamChunkNumber, p.ChunkNumber, p.TotalChunks)
	}
	if p.ChunkSize < 0 || p.TotalSize < 0 || p.CurrentChunkSize < 0 {
		return ce.NewBadRequest("chunk sizes cannot be negative")
	}
	return nil
}

// extensionAllowed checks the filename extension against the allow
// list. An empty list accepts everything.
func extensionAllowed(filename string, filetypes []string) bool {
	if len(filetypes) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, ft := range filetypes {
		if strings.ToLower(strings.TrimPrefix(ft, ".")) == ext {
			return true
		}
	}
	return false
}
