// Package engine defines the inference engine contract and its worker-process
// implementation.
package engine

import (
	"context"
	"errors"
	"runtime"
	"time"
)

// Task selects plain transcription or translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ErrReleased is returned by a handle used after Release.
var ErrReleased = errors.New("model handle released")

// Segment is one recognized span of audio.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Info is per-request metadata. Duration is zero when unknown.
type Info struct {
	Duration time.Duration
	Language string
}

// Request is one transcription call.
type Request struct {
	AudioPath string
	Task      Task
}

// Segments is a lazy segment sequence. Next returns io.EOF after the last
// segment. Close must be called even after io.EOF.
type Segments interface {
	Next() (Segment, error)
	Close() error
}

// Handle is a loaded model.
type Handle interface {
	Transcribe(context.Context, Request) (Segments, Info, error)
	Release() error
}

// BatchTranscriber is implemented by handles with a batched inference path.
type BatchTranscriber interface {
	TranscribeBatched(ctx context.Context, req Request, batchSize int) (Segments, Info, error)
}

// LoadOptions selects model files, device, compute type, and CPU threads.
type LoadOptions struct {
	Path         string
	Device       string
	Quantization string
	Threads      int
}

// Factory instantiates models.
type Factory interface {
	Load(context.Context, LoadOptions) (Handle, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(context.Context, LoadOptions) (Handle, error)

func (f FactoryFunc) Load(ctx context.Context, opts LoadOptions) (Handle, error) {
	return f(ctx, opts)
}

// LoadError wraps an instantiation failure.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return "Error loading model: " + e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// DefaultThreads picks a CPU thread count when none is configured.
func DefaultThreads(configured int) int {
	if configured > 0 {
		return configured
	}
	return min(runtime.NumCPU(), 8)
}
