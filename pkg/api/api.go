package api

const ApiVersion = "1.0"

// FileStatus is the lifecycle state of a single file inside an upload
// session. Transitions only move forward.
type FileStatus string

const (
	StatusUploading  FileStatus = "uploading"
	StatusAssembling FileStatus = "assembling"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// FileStateResponse is returned after a chunk has been stored but the
// file is not complete yet.
type FileStateResponse struct {
	UploadID       string     `json:"upload_id"`
	FileName       string     `json:"file_name"`
	Status         FileStatus `json:"status"`
	TotalChunks    int        `json:"total_chunks"`
	ReceivedChunks int        `json:"received_chunks"`
	TotalSize      int64      `json:"total_size"`
}

// UploadStatus is the aggregate progress snapshot of one upload session.
// It is recomputed from the session tracker on every completion signal
// and never persisted.
type UploadStatus struct {
	UploadedFiles  []string `json:"uploaded_files"`
	LatestFile     string   `json:"latest_file"`
	IsCompleted    bool     `json:"is_completed"`
	NUploaded      int      `json:"n_uploaded"`
	NTotal         int      `json:"n_total"`
	UploadedSizeMb float64  `json:"uploaded_size_mb"`
	TotalSizeMb    float64  `json:"total_size_mb"`
	Progress       float64  `json:"progress"`
	UploadID       string   `json:"upload_id"`
}

// CompletionSignal couples an UploadStatus snapshot with the session's
// monotonically increasing callback counter. The dispatcher invokes the
// registered callbacks exactly once per increment.
type CompletionSignal struct {
	Seq    uint64       `json:"seq"`
	Status UploadStatus `json:"status"`
}
