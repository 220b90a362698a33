// Package tracker holds the in-memory table of upload sessions. It is
// the single source of truth for per-session aggregate progress and
// owns the per-(session,file) locks that serialize mutations.
package tracker

import (
	"sort"
	"sync"

	"github.com/cainmagi/dash-uploader/pkg/api"
	ce "github.com/cainmagi/dash-uploader/pkg/errors"
)

// FileState tracks one file inside a session. All mutation happens
// with the file's lock held.
type FileState struct {
	FileName    string
	TotalChunks int
	TotalSize   int64
	ChunkSize   int64
	Status      api.FileStatus

	received      map[int]struct{}
	receivedBytes int64
	finalPath     string
}

func (f *FileState) ReceivedCount() int   { return len(f.received) }
func (f *FileState) ReceivedBytes() int64 { return f.receivedBytes }
func (f *FileState) FinalPath() string    { return f.finalPath }

func (f *FileState) Has(index int) bool {
	_, ok := f.received[index]
	return ok
}

// ReceivedIndices returns the chunk indices seen so far, ascending.
func (f *FileState) ReceivedIndices() []int {
	out := make([]int, 0, len(f.received))
	for idx := range f.received {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// IsComplete reports whether every chunk 1..TotalChunks has arrived.
func (f *FileState) IsComplete() bool {
	return f.TotalChunks > 0 && len(f.received) == f.TotalChunks
}

func (f *FileState) Response(uploadID string) api.FileStateResponse {
	return api.FileStateResponse{
		UploadID:       uploadID,
		FileName:       f.FileName,
		Status:         f.Status,
		TotalChunks:    f.TotalChunks,
		ReceivedChunks: len(f.received),
		TotalSize:      f.TotalSize,
	}
}

type session struct {
	id        string
	files     map[string]*FileState
	locks     map[string]*sync.Mutex
	completed []string // final paths in completion order
	nTotal    int
	bump      uint64
	// latched reports that the session-completed signal already fired.
	// Cleared when nTotal grows past the completed count.
	latched bool
}

type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func New() *Tracker {
	return &Tracker{sessions: make(map[string]*session)}
}

func (t *Tracker) getOrCreate(uploadID string) *session {
	if sess, ok := t.sessions[uploadID]; ok {
		return sess
	}
	sess := &session{
		id:    uploadID,
		files: make(map[string]*FileState),
		locks: make(map[string]*sync.Mutex),
	}
	t.sessions[uploadID] = sess
	return sess
}

// FileLock returns the logical lock of one (session, file) pair,
// creating it on first use. Operations for different files proceed in
// parallel; there is no global lock.
func (t *Tracker) FileLock(uploadID, filename string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.getOrCreate(uploadID)
	if l, ok := sess.locks[filename]; ok {
		return l
	}
	l := &sync.Mutex{}
	sess.locks[filename] = l
	return l
}

// Register records a file's declared metadata. Registering the same
// file twice with matching metadata is a no-op; a mismatch is a bad
// request. nTotal is supplied by the client on every request and only
// ever moves upward. When maxSessionSize is positive, a new file that
// would push the session's declared total above it is rejected; the
// check and the registration happen in one critical section so two
// first-chunks racing each other cannot jointly slip past the ceiling.
func (t *Tracker) Register(uploadID, filename string, totalChunks int, totalSize, chunkSize int64, nTotal int, maxSessionSize int64) (*FileState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess := t.getOrCreate(uploadID)
	if nTotal > sess.nTotal {
		sess.nTotal = nTotal
		if sess.nTotal > len(sess.completed) {
			sess.latched = false
		}
	}

	if f, ok := sess.files[filename]; ok {
		if f.TotalChunks != totalChunks || f.TotalSize != totalSize || f.ChunkSize != chunkSize {
			return nil, ce.NewBadRequest(
				"file %q re-registered with mismatched metadata (chunks %d!=%d, size %d!=%d, chunk size %d!=%d)",
				filename, f.TotalChunks, totalChunks, f.TotalSize, totalSize, f.ChunkSize, chunkSize)
		}
		return f, nil
	}

	if maxSessionSize > 0 {
		declared := totalSize
		for _, f := range sess.files {
			declared += f.TotalSize
		}
		if declared > maxSessionSize {
			return nil, ce.NewPayloadTooLarge(
				"session %q declares %d bytes in total, above the per-session limit of %d",
				uploadID, declared, maxSessionSize)
		}
	}

	f := &FileState{
		FileName:    filename,
		TotalChunks: totalChunks,
		TotalSize:   totalSize,
		ChunkSize:   chunkSize,
		Status:      api.StatusUploading,
		received:    make(map[int]struct{}),
	}
	sess.files[filename] = f
	return f, nil
}

// SessionCount returns the number of sessions registered since start.
func (t *Tracker) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// File returns the state of a registered file, or nil.
func (t *Tracker) File(uploadID, filename string) *FileState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[uploadID]
	if !ok {
		return nil
	}
	return sess.files[filename]
}

// DeclaredSize sums the declared total sizes of every file registered
// in the session so far.
func (t *Tracker) DeclaredSize(uploadID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sess, ok := t.sessions[uploadID]
	if !ok {
		return 0
	}
	var total int64
	for _, f := range sess.files {
		total += f.TotalSize
	}
	return total
}

// MarkChunkReceived adds a chunk index to the file's received set.
// Duplicates are accepted silently and do not change the byte tally.
// Call with the file lock held.
func (t *Tracker) MarkChunkReceived(uploadID, filename string, index int, size int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[uploadID]
	if !ok {
		return false
	}
	f, ok := sess.files[filename]
	if !ok {
		return false
	}
	if _, dup := f.received[index]; dup {
		return false
	}
	f.received[index] = struct{}{}
	f.receivedBytes += size
	return true
}

var statusRank = map[api.FileStatus]int{
	api.StatusUploading:  0,
	api.StatusAssembling: 1,
	api.StatusCompleted:  2,
	api.StatusFailed:     2,
}

// advance moves a file's status forward. Backward transitions are
// refused so a finished file can never be demoted by a stale request.
func (f *FileState) advance(next api.FileStatus) bool {
	if statusRank[next] < statusRank[f.Status] {
		return false
	}
	f.Status = next
	return true
}

// MarkAssembling transitions a file from Uploading to Assembling.
// Returns false when another request already moved it past Uploading,
// which makes assembly idempotent under races. Call with the file lock
// held.
func (t *Tracker) MarkAssembling(uploadID, filename string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fileLocked(uploadID, filename)
	if f == nil || f.Status != api.StatusUploading {
		return false
	}
	return f.advance(api.StatusAssembling)
}

func (t *Tracker) fileLocked(uploadID, filename string) *FileState {
	sess, ok := t.sessions[uploadID]
	if !ok {
		return nil
	}
	return sess.files[filename]
}

// MarkCompleted finalizes a file and appends it to the session's
// completion order. Call with the file lock held.
func (t *Tracker) MarkCompleted(uploadID, filename, finalPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[uploadID]
	if !ok {
		return
	}
	f, ok := sess.files[filename]
	if !ok || f.Status == api.StatusCompleted {
		return
	}
	if f.advance(api.StatusCompleted) {
		f.finalPath = finalPath
		sess.completed = append(sess.completed, finalPath)
	}
}

// MarkFailed records a hard assembly failure. Call with the file lock
// held.
func (t *Tracker) MarkFailed(uploadID, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fileLocked(uploadID, filename)
	if f == nil {
		return
	}
	f.advance(api.StatusFailed)
}

// RevertToUploading undoes an Assembling transition after a retryable
// failure, so re-sending the completing chunk can trigger assembly
// again. This is the single allowed backward transition. Call with the
// file lock held.
func (t *Tracker) RevertToUploading(uploadID, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.fileLocked(uploadID, filename)
	if f != nil && f.Status == api.StatusAssembling {
		f.Status = api.StatusUploading
	}
}

// LatchSessionCompleted reports whether the session just crossed into
// the completed state. Only the first call after the transition returns
// true; later completed files do not re-fire the session signal unless
// the expected file count grew in between.
func (t *Tracker) LatchSessionCompleted(uploadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[uploadID]
	if !ok {
		return false
	}
	if sess.nTotal == 0 || len(sess.completed) < sess.nTotal {
		return false
	}
	if sess.latched {
		return false
	}
	sess.latched = true
	return true
}

// Bump increments the session's callback counter. Fired exactly once
// per completed file and once more when the whole session completes.
func (t *Tracker) Bump(uploadID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess := t.getOrCreate(uploadID)
	sess.bump++
	return sess.bump
}

// Snapshot computes a fresh UploadStatus from the session state. Pure
// read, no side effects.
func (t *Tracker) Snapshot(uploadID string) api.UploadStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := api.UploadStatus{UploadID: uploadID}
	sess, ok := t.sessions[uploadID]
	if !ok {
		return status
	}

	var uploadedBytes, totalBytes int64
	for _, f := range sess.files {
		uploadedBytes += f.receivedBytes
		totalBytes += f.TotalSize
	}

	status.UploadedFiles = append(status.UploadedFiles, sess.completed...)
	if len(sess.completed) > 0 {
		status.LatestFile = sess.completed[len(sess.completed)-1]
	}
	status.NUploaded = len(sess.completed)
	status.NTotal = sess.nTotal
	status.IsCompleted = sess.nTotal > 0 && status.NUploaded >= sess.nTotal
	status.UploadedSizeMb = toMb(uploadedBytes)
	status.TotalSizeMb = toMb(totalBytes)
	if totalBytes > 0 {
		status.Progress = float64(uploadedBytes) / float64(totalBytes)
	}
	return status
}

func toMb(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024)
}
