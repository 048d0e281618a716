// Package session coordinates dictation lifecycle state, actions, and commit flow.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/murmur/internal/fsm"
	"github.com/rbright/murmur/internal/ipc"
)

type action int

const (
	actionStop action = iota + 1
	actionCancel
)

// Result is the complete lifecycle output returned by one Run invocation.
type Result struct {
	State         fsm.State
	Transcript    Transcript
	Cancelled     bool
	Err           error
	AudioDevice   string
	BytesCaptured int64
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Indicator is the session-facing subset of indicator behavior.
type Indicator interface {
	ShowRecording(context.Context)
	ShowTranscribing(context.Context)
	ShowError(context.Context, string)
	CueStop(context.Context)
	CueComplete(context.Context)
	CueCancel(context.Context)
	Hide(context.Context)
}

// noopIndicator preserves session flow when no indicator is wired.
type noopIndicator struct{}

func (noopIndicator) ShowRecording(context.Context)     {}
func (noopIndicator) ShowTranscribing(context.Context)  {}
func (noopIndicator) ShowError(context.Context, string) {}
func (noopIndicator) CueStop(context.Context)           {}
func (noopIndicator) CueComplete(context.Context)       {}
func (noopIndicator) CueCancel(context.Context)         {}
func (noopIndicator) Hide(context.Context)              {}

// Controller orchestrates one dictation: record, transcribe, commit.
type Controller struct {
	logger     *slog.Logger
	recorder   Recorder
	transcribe Transcriber
	commit     Committer
	indicator  Indicator

	mu    sync.RWMutex
	state fsm.State

	actions chan action
}

// NewController constructs a session controller. A nil committer discards
// transcripts and a nil indicator shows nothing.
func NewController(
	logger *slog.Logger,
	recorder Recorder,
	transcriber Transcriber,
	committer Committer,
	indicator Indicator,
) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if committer == nil {
		committer = CommitFunc(func(context.Context, Transcript) error { return nil })
	}
	if indicator == nil {
		indicator = noopIndicator{}
	}

	return &Controller{
		logger:     logger,
		recorder:   recorder,
		transcribe: transcriber,
		commit:     committer,
		indicator:  indicator,
		state:      fsm.StateIdle,
		actions:    make(chan action, 1),
	}
}

// State returns the current FSM state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// transition applies one FSM event to the controller state.
func (c *Controller) transition(event fsm.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// Run executes one dictation from recording start to commit, cancel, or failure.
func (c *Controller) Run(ctx context.Context) Result {
	result := Result{StartedAt: time.Now()}
	done := func() Result {
		result.State = c.State()
		result.FinishedAt = time.Now()
		return result
	}
	fail := func(message string, err error) Result {
		if message != "" {
			c.indicator.ShowError(context.Background(), message)
		}
		c.toErrorAndReset()
		result.Err = err
		return done()
	}

	if err := c.transition(fsm.EventStart); err != nil {
		result.Err = err
		return done()
	}

	c.indicator.ShowRecording(ctx)
	if err := c.recorder.Start(ctx); err != nil {
		return fail("Unable to start recording", err)
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
		defer cancel()
		c.indicator.Hide(cleanupCtx)
	}()

	var a action
	select {
	case <-ctx.Done():
		_ = c.recorder.Cancel(context.Background())
		c.indicator.CueCancel(context.Background())
		return fail("Cancelled", ctx.Err())
	case a = <-c.actions:
	}

	switch a {
	case actionCancel:
		_ = c.recorder.Cancel(context.Background())
		c.indicator.CueCancel(context.Background())
		_ = c.transition(fsm.EventCancel)
		result.Cancelled = true
		return done()
	case actionStop:
	default:
		_ = c.recorder.Cancel(context.Background())
		return fail("", fmt.Errorf("unknown action %d", a))
	}

	if err := c.transition(fsm.EventStop); err != nil {
		_ = c.recorder.Cancel(context.Background())
		return fail("", err)
	}
	c.indicator.CueStop(context.Background())

	recording, err := c.recorder.Stop(ctx)
	result.AudioDevice = recording.AudioDevice
	result.BytesCaptured = recording.BytesCaptured
	if err != nil {
		return fail("No audio captured", err)
	}

	c.indicator.ShowTranscribing(ctx)
	transcript, err := c.transcribe.Transcribe(ctx, recording)
	if errors.Is(err, ErrCancelled) {
		c.indicator.CueCancel(context.Background())
		_ = c.transition(fsm.EventCancel)
		result.Cancelled = true
		return done()
	}
	if err != nil {
		return fail("Speech recognition failed", err)
	}
	result.Transcript = transcript

	if strings.TrimSpace(transcript.Text) == "" {
		return fail("No speech detected", ErrEmptyTranscript)
	}

	if err := c.commit.Commit(ctx, transcript); err != nil {
		return fail("Output dispatch failed", err)
	}
	c.indicator.CueComplete(context.Background())

	if err := c.transition(fsm.EventTranscribed); err != nil {
		result.Err = err
	}
	return done()
}

// Handle serves IPC commands for the active owner session.
func (c *Controller) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case "status":
		return ipc.Response{OK: true, State: string(c.State()), Message: "status"}
	case "toggle":
		return c.requestStop("toggle")
	case "stop":
		return c.requestStop("stop")
	case "cancel":
		return c.requestCancel()
	default:
		return ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

// requestStop enqueues a stop action when state permits it.
func (c *Controller) requestStop(source string) ipc.Response {
	state := c.State()
	if state == fsm.StateTranscribing {
		return ipc.Response{OK: false, State: string(state), Error: "already transcribing"}
	}
	if state != fsm.StateRecording {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot %s from state %s", source, state)}
	}

	select {
	case c.actions <- actionStop:
		return ipc.Response{OK: true, State: string(state), Message: "stop requested"}
	default:
		return ipc.Response{OK: true, State: string(state), Message: "stop already requested"}
	}
}

// requestCancel discards the recording, or cancels the transcription job
// once recording has stopped.
func (c *Controller) requestCancel() ipc.Response {
	state := c.State()
	if state == fsm.StateTranscribing {
		if !c.transcribe.Cancel() {
			return ipc.Response{OK: false, State: string(state), Error: "no transcription job to cancel"}
		}
		return ipc.Response{OK: true, State: string(state), Message: "cancel requested"}
	}
	if state != fsm.StateRecording {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot cancel from state %s", state)}
	}

	select {
	case c.actions <- actionCancel:
		return ipc.Response{OK: true, State: string(state), Message: "cancel requested"}
	default:
		return ipc.Response{OK: true, State: string(state), Message: "cancel already requested"}
	}
}

// toErrorAndReset transitions to error and back to idle best-effort.
func (c *Controller) toErrorAndReset() {
	_ = c.transition(fsm.EventFail)
	_ = c.transition(fsm.EventReset)
}
