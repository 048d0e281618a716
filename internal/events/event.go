// Package events carries lifecycle notifications from workers to the single
// coordination goroutine and on to subscribers.
package events

import "time"

// Source names the orchestrator an event came from.
type Source string

const (
	SourceModel         Source = "model"
	SourceTranscription Source = "transcription"
)

// Kind is the lifecycle step an event reports.
type Kind string

// Model load kinds, in emission order.
const (
	KindLoadingQueued    Kind = "loading-queued"
	KindDownloadStarted  Kind = "download-started"
	KindDownloadProgress Kind = "download-progress"
	KindDownloadFinished Kind = "download-finished"
	KindInstantiating    Kind = "instantiating"
	KindLoaded           Kind = "loaded"
	KindError            Kind = "error"
)

// Transcription kinds.
const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// KindCancelled ends both load requests and transcription jobs.
const KindCancelled Kind = "cancelled"

// Indeterminate marks progress without a known total duration.
const Indeterminate = -1.0

// Event is one sequenced notification.
type Event struct {
	Seq          int64     `json:"seq"`
	Time         time.Time `json:"time"`
	Source       Source    `json:"source"`
	Kind         Kind      `json:"kind"`
	Token        string    `json:"token,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Quantization string    `json:"quantization,omitempty"`
	Device       string    `json:"device,omitempty"`
	Downloaded   int64     `json:"downloaded,omitempty"`
	Total        int64     `json:"total,omitempty"`
	Segments     int       `json:"segments,omitempty"`
	Percent      float64   `json:"percent,omitempty"`
	Text         string    `json:"text,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Terminal reports whether the event ends its request or job.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindLoaded, KindError, KindCancelled, KindCompleted, KindFailed:
		return true
	default:
		return false
	}
}

// Droppable reports whether a slow subscriber may skip the event.
func (e Event) Droppable() bool {
	return e.Kind == KindDownloadProgress || e.Kind == KindProgress
}
