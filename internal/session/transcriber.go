package session

import (
	"context"
	"errors"
	"time"

	"github.com/rbright/murmur/internal/engine"
)

var (
	// ErrEmptyTranscript indicates stop completed but no usable speech was recognized.
	ErrEmptyTranscript = errors.New("no speech recognized; check microphone input or mute state")
	// ErrCancelled indicates the transcription job was cancelled before it completed.
	ErrCancelled = errors.New("transcription cancelled")
)

// Recording is one captured audio file. Path is a tracked temp file.
type Recording struct {
	Path          string
	AudioDevice   string
	BytesCaptured int64
	Duration      time.Duration
}

// Recorder captures microphone audio between Start and Stop.
type Recorder interface {
	Start(context.Context) error
	Stop(context.Context) (Recording, error)
	Cancel(context.Context) error
}

// Transcript is the text produced for one recording plus the model that
// produced it.
type Transcript struct {
	JobID        string
	Text         string
	Model        string
	Quantization string
	Device       string
	Task         engine.Task
	Audio        time.Duration
	Elapsed      time.Duration
}

// Transcriber turns a recording into text. Cancel aborts an in-flight call.
type Transcriber interface {
	Transcribe(context.Context, Recording) (Transcript, error)
	Cancel() bool
}
