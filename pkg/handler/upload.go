package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/cainmagi/dash-uploader/pkg/api"
	"github.com/cainmagi/dash-uploader/pkg/assembler"
	"github.com/cainmagi/dash-uploader/pkg/config"
	ce "github.com/cainmagi/dash-uploader/pkg/errors"
	"github.com/cainmagi/dash-uploader/pkg/fileops"
	"github.com/cainmagi/dash-uploader/pkg/instrumentation"
	"github.com/cainmagi/dash-uploader/pkg/store"
	"github.com/cainmagi/dash-uploader/pkg/tracker"
)

// FormFileField is the multipart field carrying the chunk payload.
const FormFileField = "file"

// CompletionNotifier consumes the outbound completion signals, one per
// callback counter increment.
type CompletionNotifier interface {
	Publish(api.CompletionSignal)
}

// UploadHandler is the request-facing side of the chunked-upload
// protocol: it classifies GET probes and POST chunk deliveries, drives
// the store/tracker/assembler and emits UploadStatus snapshots.
type UploadHandler struct {
	Conf     config.Upload
	Store    *store.ChunkStore
	Tracker  *tracker.Tracker
	Engine   *assembler.Engine
	Metrics  *instrumentation.Metrics
	Notifier CompletionNotifier
}

// NewUploadHandler wires the protocol components from one immutable
// configuration value. Metrics and notifier may be nil.
func NewUploadHandler(conf *config.Configuration, metrics *instrumentation.Metrics, notifier CompletionNotifier) *UploadHandler {
	retry := fileops.Policy{Wait: conf.Retry.Wait(), MaxTime: conf.Retry.MaxTime()}
	st := store.New(conf.Upload.FolderRoot, conf.Upload.UseUploadID, retry)
	tr := tracker.New()
	return &UploadHandler{
		Conf:     conf.Upload,
		Store:    st,
		Tracker:  tr,
		Engine:   assembler.New(st, tr, retry, conf.Upload.CollisionPolicy),
		Metrics:  metrics,
		Notifier: notifier,
	}
}

func RegisterUploadRoutes(engine *echo.Group, uh *UploadHandler) {
	engine.GET("", uh.probe)
	engine.GET("/", uh.probe)
	engine.POST("", uh.receive)
	engine.POST("/", uh.receive)
}

// probe answers whether a chunk is already staged, letting the client
// skip re-sending after a reconnect. Read-only apart from lazily
// registering the session/file and reconciling the in-memory received
// set with chunks found on disk (resumption across restarts).
func (uh *UploadHandler) probe(c echo.Context) error {
	p, err := parseChunkParams(c)
	if err != nil {
		return ce.NewErrorResponseFromError("Invalid probe request", err)
	}
	if err := p.validate(); err != nil {
		return ce.NewErrorResponseFromError("Invalid probe request", err)
	}

	if err := uh.requireUploadID(p); err != nil {
		return ce.NewErrorResponseFromError("Invalid probe request", err)
	}

	if _, err := uh.Tracker.Register(p.UploadID, p.Filename, p.TotalChunks, p.TotalSize, p.ChunkSize, p.TotalFilesCount, uh.maxSessionBytes()); err != nil {
		return ce.NewErrorResponseFromError("Could not register upload", err)
	}

	// The received set is only ever touched under the file lock, so a
	// probe never races a chunk delivery for the same file.
	lock := uh.Tracker.FileLock(p.UploadID, p.Filename)
	lock.Lock()
	defer lock.Unlock()

	if !uh.Store.HasChunk(p.UploadID, p.Filename, p.ChunkNumber, p.CurrentChunkSize) {
		return c.JSON(http.StatusNotFound, echo.Map{"found": false})
	}

	uh.Tracker.MarkChunkReceived(p.UploadID, p.Filename, p.ChunkNumber, p.CurrentChunkSize)
	return c.JSON(http.StatusOK, echo.Map{"found": true})
}

// receive stages one chunk payload and, when the chunk set became
// complete, assembles the final file and emits completion signals.
func (uh *UploadHandler) receive(c echo.Context) error {
	p, err := parseChunkParams(c)
	if err != nil {
		return ce.NewErrorResponseFromError("Invalid chunk request", err)
	}
	if err := p.validate(); err != nil {
		return ce.NewErrorResponseFromError("Invalid chunk request", err)
	}
	if err := uh.requireUploadID(p); err != nil {
		return ce.NewErrorResponseFromError("Invalid chunk request", err)
	}
	if err := uh.checkFileCeiling(p); err != nil {
		return ce.NewErrorResponseFromError("Upload rejected", err)
	}
	if !extensionAllowed(p.Filename, uh.Conf.Filetypes) {
		return ce.NewErrorResponseFromError("Upload rejected",
			ce.NewBadRequest("file type of %q is not allowed", p.Filename))
	}

	fileHeader, err := c.FormFile(FormFileField)
	if err != nil {
		return ce.NewErrorResponseFromError("Invalid chunk request",
			ce.NewBadRequest("missing multipart file field %q", FormFileField))
	}
	if fileHeader.Size != p.CurrentChunkSize {
		return ce.NewErrorResponseFromError("Invalid chunk request",
			ce.NewBadRequest("payload size %d does not match declared chunk size %d",
				fileHeader.Size, p.CurrentChunkSize))
	}

	f, err := uh.Tracker.Register(p.UploadID, p.Filename, p.TotalChunks, p.TotalSize, p.ChunkSize, p.TotalFilesCount, uh.maxSessionBytes())
	if err != nil {
		return ce.NewErrorResponseFromError("Could not register upload", err)
	}

	// The chunk bytes land in the staging area outside the file lock,
	// so big payloads do not serialize each other.
	src, err := fileHeader.Open()
	if err != nil {
		return ce.NewErrorResponseFromError("Could not read chunk payload",
			ce.NewServerError(err, "could not open multipart payload"))
	}
	written, err := uh.Store.WriteChunk(p.UploadID, p.Filename, p.ChunkNumber, src)
	src.Close()
	if err != nil {
		return ce.NewErrorResponseFromError("Could not stage chunk",
			ce.NewServerError(err, "could not stage chunk %d of %q", p.ChunkNumber, p.Filename))
	}
	if uh.Metrics != nil {
		uh.Metrics.ChunksReceivedTotal.Inc()
		uh.Metrics.ChunkBytesTotal.Add(float64(written))
		uh.Metrics.SessionsActiveTotal.Set(float64(uh.Tracker.SessionCount()))
	}

	lock := uh.Tracker.FileLock(p.UploadID, p.Filename)
	lock.Lock()
	defer lock.Unlock()

	uh.Tracker.MarkChunkReceived(p.UploadID, p.Filename, p.ChunkNumber, written)
	uh.reconcileStaged(p.UploadID, p.Filename)

	if !f.IsComplete() {
		return c.JSON(http.StatusOK, f.Response(p.UploadID))
	}

	completedBefore := f.Status == api.StatusCompleted
	if _, err := uh.Engine.Assemble(p.UploadID, p.Filename); err != nil {
		if uh.Metrics != nil {
			uh.Metrics.AssemblyFailureTotal.Inc()
		}
		log.Error().Err(err).
			Str("upload_id", p.UploadID).
			Str("file", p.Filename).
			Msg("Assembly failed")
		return ce.NewErrorResponseFromError("Could not assemble upload", err)
	}

	if f.Status == api.StatusCompleted && !completedBefore {
		if uh.Metrics != nil {
			uh.Metrics.FilesCompletedTotal.Inc()
		}
		uh.signalCompletion(p.UploadID)
	}
	return c.JSON(http.StatusOK, uh.Tracker.Snapshot(p.UploadID))
}

// requireUploadID rejects id-less requests when sessions are
// namespaced. An empty upload id would merge every id-less client into
// one shared session with shared ceilings and completion signals.
func (uh *UploadHandler) requireUploadID(p chunkParams) error {
	if uh.Conf.UseUploadID && p.UploadID == "" {
		return ce.NewBadRequest("missing parameter %q (or %q)", ParamUploadID, ParamIdentifier)
	}
	return nil
}

// checkFileCeiling enforces the per-file size limit before anything
// touches the filesystem. The per-session ceiling lives in
// Tracker.Register, where check and registration are atomic.
func (uh *UploadHandler) checkFileCeiling(p chunkParams) error {
	maxFile := int64(uh.Conf.MaxFileSizeMb * 1024 * 1024)
	if maxFile > 0 && p.TotalSize > maxFile {
		return ce.NewPayloadTooLarge("file %q declares %d bytes, above the per-file limit of %d",
			p.Filename, p.TotalSize, maxFile)
	}
	return nil
}

func (uh *UploadHandler) maxSessionBytes() int64 {
	return int64(uh.Conf.MaxTotalSizeMb * 1024 * 1024)
}

// reconcileStaged folds chunks found in the staging area into the
// received set. After a process restart the table starts empty while
// durable chunks survive; this keeps the completion check truthful.
// Call with the file lock held.
func (uh *UploadHandler) reconcileStaged(uploadID, filename string) {
	f := uh.Tracker.File(uploadID, filename)
	if f == nil || f.ReceivedCount() == f.TotalChunks {
		return
	}
	indices, err := uh.Store.ListChunks(uploadID, filename)
	if err != nil {
		log.Warn().Err(err).Str("file", filename).Msg("Could not reconcile staged chunks")
		return
	}
	for _, idx := range indices {
		if f.Has(idx) {
			continue
		}
		size, err := uh.Store.ChunkSize(uploadID, filename, idx)
		if err != nil {
			continue
		}
		uh.Tracker.MarkChunkReceived(uploadID, filename, idx, size)
	}
}

// signalCompletion bumps the session's callback counter and publishes
// a fresh snapshot: once for the completed file, once more when the
// whole session just crossed into completed. The latch keeps files
// finishing after that point from re-firing the session signal. Call
// with the file lock held.
func (uh *UploadHandler) signalCompletion(uploadID string) {
	seq := uh.Tracker.Bump(uploadID)
	uh.publish(api.CompletionSignal{Seq: seq, Status: uh.Tracker.Snapshot(uploadID)})

	if uh.Tracker.LatchSessionCompleted(uploadID) {
		seq = uh.Tracker.Bump(uploadID)
		uh.publish(api.CompletionSignal{Seq: seq, Status: uh.Tracker.Snapshot(uploadID)})
	}
}

func (uh *UploadHandler) publish(sig api.CompletionSignal) {
	if uh.Notifier == nil {
		return
	}
	uh.Notifier.Publish(sig)
}
