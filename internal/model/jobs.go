package model

import "time"

// JobStatus represents the lifecycle state of an extraction job
type JobStatus string

const (
	StatusPendingUpload JobStatus = "pending_upload"
	StatusProcessing    JobStatus = "processing"
	StatusCompleted     JobStatus = "completed"
	StatusFailed        JobStatus = "failed"
)

// LogEntry is one line in a job's append-only log trail
type LogEntry struct {
	Timestamp time.Time `bson:"ts" json:"ts"`
	Message   string    `bson:"msg" json:"msg"`
}

// Job is the transient task descriptor for one user-initiated extraction.
// It is created when the upload URL is issued, mutated only by extraction
// workers, deleted on success and retained on failure for inspection.
type Job struct {
	ID        string     `bson:"_id" json:"id"`
	OwnerID   string     `bson:"owner_id" json:"ownerId"`
	Status    JobStatus  `bson:"status" json:"status"`
	Stage     string     `bson:"stage,omitempty" json:"stage,omitempty"`
	Progress  int        `bson:"progress" json:"progress"`
	FileName  string     `bson:"file_name" json:"fileName"`
	Bucket    string     `bson:"bucket" json:"bucket"`
	ObjectKey string     `bson:"object_key" json:"objectKey"`
	AuthToken string     `bson:"auth_token,omitempty" json:"-"`
	FolderID  string     `bson:"folder_id,omitempty" json:"folderId,omitempty"`
	DebugMode bool       `bson:"debug_mode" json:"debugMode"`
	Logs      []LogEntry `bson:"logs" json:"logs"`
	CreatedAt time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updatedAt"`
}
