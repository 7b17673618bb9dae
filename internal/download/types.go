// Package download defines the items, batches and results the orchestrator
// moves through its pipeline, plus the error taxonomy shared by all stages.
package download

import "time"

// Item is a single normalized track request. Immutable after normalization;
// only the worker processing it (and the aggregator under its own lock)
// touches the corresponding result.
type Item struct {
	BatchID         string  `json:"batch_id"`
	ItemID          string  `json:"item_id"`
	Artist          string  `json:"artist"`
	Title           string  `json:"title"`
	Album           string  `json:"album,omitempty"`
	ISRC            string  `json:"isrc,omitempty"`
	RequestedBy     string  `json:"requested_by"`
	Priority        int     `json:"priority"`
	DedupeKey       string  `json:"dedupe_key"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Bitrate         int     `json:"bitrate,omitempty"`
	Index           int     `json:"index"`
}

// RequestItem is one entry of a BatchRequest before normalization.
type RequestItem struct {
	Artist          string  `json:"artist"`
	Title           string  `json:"title"`
	Album           string  `json:"album,omitempty"`
	ISRC            string  `json:"isrc,omitempty"`
	DedupeKey       string  `json:"dedupe_key,omitempty"`
	Priority        *int    `json:"priority,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Bitrate         int     `json:"bitrate,omitempty"`
}

// BatchRequest is the caller-facing submission form.
type BatchRequest struct {
	Items        []RequestItem `json:"items"`
	RequestedBy  string        `json:"requested_by"`
	BatchID      string        `json:"batch_id,omitempty"`
	DedupePrefix string        `json:"dedupe_prefix,omitempty"`
	Priority     int           `json:"priority,omitempty"`
}

// Item lifecycle states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateDone      = "done"
	StateFailed    = "failed"
	StateDuplicate = "duplicate"
)

// Event names recorded on item results. The aggregator derives per-phase
// durations from these, so the names are contractual.
const (
	EventAccepted        = "download.accepted"
	EventInProgress      = "download.in_progress"
	EventCompleted       = "download.completed"
	EventDetected        = "download.detected"
	EventTaggingComplete = "tagging.completed"
	EventTaggingSkipped  = "tagging.skipped"
	EventFileMoved       = "file.moved"
	EventDedupeSkip      = "dedupe.skip"
)

// ItemEvent is a timestamped marker in an item's processing history.
type ItemEvent struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(name string, meta map[string]string) ItemEvent {
	return ItemEvent{Name: name, Timestamp: time.Now().UTC(), Meta: meta}
}

// Outcome is what a successful pipeline run produces.
type Outcome struct {
	FinalPath       string
	TagsWritten     bool
	BytesWritten    int64
	DurationSeconds float64
	Quality         string
	Events          []ItemEvent
}

// ItemResult is the aggregator's view of one item.
type ItemResult struct {
	ItemID          string      `json:"item_id"`
	State           string      `json:"state"`
	Attempts        int         `json:"attempts"`
	FinalPath       string      `json:"final_path,omitempty"`
	TagsWritten     bool        `json:"tags_written"`
	BytesWritten    int64       `json:"bytes_written"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	Quality         string      `json:"quality,omitempty"`
	Error           string      `json:"error,omitempty"`
	Events          []ItemEvent `json:"events,omitempty"`
}
