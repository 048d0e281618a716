// Package ipc carries commands between murmur invocations and the process
// that owns the active dictation session.
package ipc

// Commands understood by the session owner.
const (
	CommandStatus = "status"
	CommandToggle = "toggle"
	CommandStop   = "stop"
	CommandCancel = "cancel"
	CommandLoad   = "load"
)

// Request is one newline-delimited JSON command. Model fields are only read
// by CommandLoad.
type Request struct {
	Command      string `json:"command"`
	Model        string `json:"model,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	Device       string `json:"device,omitempty"`
}

// ModelStatus describes the published model and any in-flight load.
type ModelStatus struct {
	Name         string `json:"name,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	Device       string `json:"device,omitempty"`
	Token        string `json:"token,omitempty"`
	Loading      string `json:"loading,omitempty"`
	LoadState    string `json:"load_state,omitempty"`
}

type Response struct {
	OK      bool         `json:"ok"`
	State   string       `json:"state,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
	Model   *ModelStatus `json:"model,omitempty"`
	JobID   string       `json:"job_id,omitempty"`
}
