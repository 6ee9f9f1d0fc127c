package mbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// ProcessingLog is the durable run journal stored next to the artifacts.
// It is rewritten in place at every checkpoint, so a restarted run can show
// an operator how far the previous attempt got.
type ProcessingLog struct {
	JobID     string     `json:"jobId"`
	StartedAt time.Time  `json:"startedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Total     int        `json:"total"`
	Processed int        `json:"processed"`
	Skipped   int        `json:"skipped"`
	Extracted int        `json:"extracted"`
	Errors    int        `json:"errors"`
	Events    []LogEvent `json:"events,omitempty"`
}

// LogEvent is one noteworthy occurrence during a run
type LogEvent struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// logWriter persists the journal; satisfied by the object store
type logWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// RunLog accumulates counters in memory and flushes them to the store at
// checkpoints. Losing the tail of the journal on a crash is acceptable; the
// artifacts themselves carry the real idempotency state.
type RunLog struct {
	store logWriter
	key   string
	data  ProcessingLog
}

func NewRunLog(store logWriter, key, jobID string, total int) *RunLog {
	now := time.Now().UTC()
	return &RunLog{
		store: store,
		key:   key,
		data: ProcessingLog{
			JobID:     jobID,
			StartedAt: now,
			UpdatedAt: now,
			Total:     total,
		},
	}
}

func (r *RunLog) MarkProcessed() { r.data.Processed++ }
func (r *RunLog) MarkSkipped()   { r.data.Skipped++; r.data.Processed++ }
func (r *RunLog) MarkExtracted() { r.data.Extracted++ }
func (r *RunLog) MarkError()     { r.data.Errors++ }

func (r *RunLog) Processed() int { return r.data.Processed }
func (r *RunLog) Extracted() int { return r.data.Extracted }
func (r *RunLog) Skipped() int   { return r.data.Skipped }

// Event records one noteworthy message in the journal
func (r *RunLog) Event(message string) {
	r.data.Events = append(r.data.Events, LogEvent{
		Time:    time.Now().UTC(),
		Message: message,
	})
}

// Flush rewrites the journal object. Failures are logged and swallowed: the
// journal is diagnostics, not state.
func (r *RunLog) Flush(ctx context.Context) {
	r.data.UpdatedAt = time.Now().UTC()

	payload, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal processing log")
		return
	}

	if err := r.store.Put(ctx, r.key, payload, "application/json"); err != nil {
		log.Warn().Err(err).Str("key", r.key).Msg("Failed to flush processing log")
	}
}

// JSON renders the current journal
func (r *RunLog) JSON() ([]byte, error) {
	return json.MarshalIndent(r.data, "", "  ")
}

// Finalize records the closing event and flushes one last time
func (r *RunLog) Finalize(ctx context.Context, message string) {
	r.Event(message)
	r.Flush(ctx)
}
