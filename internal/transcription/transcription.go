// Package transcription runs cancellable transcription jobs against the model
// that was current when the job was submitted.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbright/murmur/internal/engine"
	"github.com/rbright/murmur/internal/events"
	"github.com/rbright/murmur/internal/fsm"
	"github.com/rbright/murmur/internal/registry"
	"github.com/rbright/murmur/internal/tempfile"
)

var (
	// ErrNoModel is returned by Submit when no handle is available.
	ErrNoModel = errors.New("No model available for transcription")
	// ErrBusy is returned by Submit while another job is active.
	ErrBusy = errors.New("transcription already running")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("transcription orchestrator is shut down")
)

// Metrics receives job outcomes.
type Metrics interface {
	JobFinished(ctx context.Context, outcome string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) JobFinished(context.Context, string, time.Duration) {}

// Options configures an Orchestrator.
type Options struct {
	Logger  *slog.Logger
	Metrics Metrics
	// Curate rewrites completed text before it is published. Nil keeps the
	// newline-joined segment text.
	Curate func(string) string
}

// Job describes one submitted transcription.
type Job struct {
	ID        string
	Token     registry.Token
	AudioPath string
	Task      engine.Task
	IsTemp    bool
	BatchSize int
}

type job struct {
	Job
	state  fsm.State
	cancel context.CancelFunc
}

// Orchestrator owns at most one active job.
type Orchestrator struct {
	loop     *events.Loop
	dispatch *events.Dispatcher
	registry *registry.Registry
	tracker  *tempfile.Tracker
	logger   *slog.Logger
	metrics  Metrics
	curate   func(string) string
	tracer   trace.Tracer

	mu      sync.Mutex
	active  *job
	closed  bool
	workers sync.WaitGroup
}

// New wires an orchestrator. Temp audio is released through tracker.
func New(
	loop *events.Loop,
	dispatch *events.Dispatcher,
	reg *registry.Registry,
	tracker *tempfile.Tracker,
	opts Options,
) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Orchestrator{
		loop:     loop,
		dispatch: dispatch,
		registry: reg,
		tracker:  tracker,
		logger:   logger,
		metrics:  metrics,
		curate:   opts.Curate,
		tracer:   otel.Tracer("github.com/rbright/murmur/internal/transcription"),
	}
}

// Submit starts a job for audioPath on handle, recorded against token. It
// returns immediately. A temp audio file is always released, including when
// Submit itself fails.
func (o *Orchestrator) Submit(
	handle engine.Handle,
	token registry.Token,
	audioPath string,
	task engine.Task,
	isTemp bool,
	batchSize int,
) (string, error) {
	if handle == nil {
		o.logger.Error(ErrNoModel.Error(), "audio", audioPath)
		o.releaseAudio(audioPath, isTemp)
		o.loop.Post(func() {
			o.dispatch.Publish(events.Event{
				Source:  events.SourceTranscription,
				Kind:    events.KindFailed,
				Message: ErrNoModel.Error(),
			})
		})
		return "", ErrNoModel
	}
	if task == "" {
		task = engine.TaskTranscribe
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.releaseAudio(audioPath, isTemp)
		return "", ErrClosed
	}
	if o.active != nil {
		o.mu.Unlock()
		o.releaseAudio(audioPath, isTemp)
		return "", ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		Job: Job{
			ID:        uuid.NewString(),
			Token:     token,
			AudioPath: audioPath,
			Task:      task,
			IsTemp:    isTemp,
			BatchSize: batchSize,
		},
		state:  fsm.JobQueued,
		cancel: cancel,
	}
	o.active = j
	o.workers.Add(1)
	o.mu.Unlock()

	o.logger.Info("transcription submitted",
		"job_id", j.ID,
		"audio", audioPath,
		"task", string(task),
		"batch_size", batchSize,
	)
	o.emit(j, events.Event{Kind: events.KindStarted})

	go o.run(ctx, j, handle)
	return j.ID, nil
}

// Cancel requests cancellation of the active job. It reports false when no
// job is active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return false
	}
	o.logger.Info("transcription cancellation requested", "job_id", o.active.ID)
	o.active.cancel()
	return true
}

// IsActive reports whether a job is running or its terminal event has not
// been delivered yet.
func (o *Orchestrator) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Active returns the active job and its state.
func (o *Orchestrator) Active() (Job, fsm.State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return Job{}, "", false
	}
	return o.active.Job, o.active.state, true
}

// Shutdown cancels the active job and waits up to timeout for the worker.
func (o *Orchestrator) Shutdown(timeout time.Duration) bool {
	o.mu.Lock()
	o.closed = true
	if o.active != nil {
		o.active.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		o.logger.Warn("transcription worker did not finish before shutdown timeout", "timeout", timeout.String())
		return false
	}
}

func (o *Orchestrator) run(ctx context.Context, j *job, handle engine.Handle) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "transcription.job", trace.WithAttributes(
		attribute.String("job_id", j.ID),
		attribute.String("task", string(j.Task)),
		attribute.Int("batch_size", j.BatchSize),
	))

	var terminal events.Event
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("transcription worker panicked", "job_id", j.ID, "panic", fmt.Sprint(r))
			terminal = o.failure(ctx, j, fmt.Errorf("%v", r))
		}
		o.releaseAudio(j.AudioPath, j.IsTemp)

		outcome := string(terminal.Kind)
		o.metrics.JobFinished(ctx, outcome, time.Since(started))
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()

		o.finish(j, terminal)
		o.workers.Done()
	}()

	terminal = o.execute(ctx, j, handle)
}

// execute consumes the segment stream and returns the terminal event.
func (o *Orchestrator) execute(ctx context.Context, j *job, handle engine.Handle) events.Event {
	if ctx.Err() != nil {
		o.logger.Info("transcription cancelled before starting", "job_id", j.ID)
		return o.terminal(j, fsm.EventCancel, events.Event{Kind: events.KindCancelled})
	}
	if o.stale(j) {
		o.logger.Warn("model changed during transcription setup", "job_id", j.ID)
		return o.terminal(j, fsm.EventCancel, events.Event{Kind: events.KindCancelled})
	}

	o.advance(j, fsm.JobEventRun)
	segments, info, err := o.open(ctx, j, handle)
	if err != nil {
		return o.failure(ctx, j, err)
	}
	defer func() {
		if err := segments.Close(); err != nil {
			o.logger.Debug("close segment stream failed", "job_id", j.ID, "error", err.Error())
		}
	}()

	var parts []string
	last := 0.0
	for {
		segment, err := segments.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return o.failure(ctx, j, err)
		}
		if ctx.Err() != nil {
			o.logger.Info("transcription cancelled", "job_id", j.ID, "segments", len(parts))
			return o.terminal(j, fsm.EventCancel, events.Event{Kind: events.KindCancelled})
		}

		parts = append(parts, strings.TrimLeftFunc(segment.Text, unicode.IsSpace))
		percent := events.Indeterminate
		if info.Duration > 0 {
			percent = min(100, float64(segment.End)/float64(info.Duration)*100)
			percent = max(percent, last)
			last = percent
		}
		o.emit(j, events.Event{Kind: events.KindProgress, Segments: len(parts), Percent: percent})
	}

	if ctx.Err() != nil {
		o.logger.Info("transcription cancelled", "job_id", j.ID, "segments", len(parts))
		return o.terminal(j, fsm.EventCancel, events.Event{Kind: events.KindCancelled})
	}
	if o.stale(j) {
		o.logger.Debug("discarding transcription from replaced model", "job_id", j.ID)
		return o.terminal(j, fsm.EventCancel, events.Event{Kind: events.KindCancelled})
	}

	text := strings.Join(parts, "\n")
	if o.curate != nil {
		text = o.curate(text)
	}
	o.logger.Info("transcription completed", "job_id", j.ID, "segments", len(parts))
	return o.terminal(j, fsm.JobEventComplete, events.Event{
		Kind:     events.KindCompleted,
		Segments: len(parts),
		Text:     text,
	})
}

func (o *Orchestrator) open(ctx context.Context, j *job, handle engine.Handle) (engine.Segments, engine.Info, error) {
	req := engine.Request{AudioPath: j.AudioPath, Task: j.Task}
	if j.BatchSize > 1 {
		if batched, ok := handle.(engine.BatchTranscriber); ok {
			return batched.TranscribeBatched(ctx, req, j.BatchSize)
		}
		o.logger.Debug("engine has no batched path; transcribing sequentially", "job_id", j.ID)
	}
	return handle.Transcribe(ctx, req)
}

// failure maps an inference error to cancelled when cancellation or a model
// swap got there first.
func (o *Orchestrator) failure(ctx context.Context, j *job, err error) events.Event {
	if ctx.Err() != nil {
		o.logger.Info("transcription cancelled during processing", "job_id", j.ID)
		return o.terminal(j, fsm.EventCancel, events.Event{Kind: events.KindCancelled})
	}
	if o.stale(j) {
		o.logger.Debug("transcription error after model swap", "job_id", j.ID, "error", err.Error())
		return o.terminal(j, fsm.EventCancel, events.Event{Kind: events.KindCancelled})
	}
	o.logger.Error("transcription failed", "job_id", j.ID, "error", err.Error())
	return o.terminal(j, fsm.EventFail, events.Event{
		Kind:    events.KindFailed,
		Message: fmt.Sprintf("Transcription failed: %v", err),
	})
}

func (o *Orchestrator) stale(j *job) bool {
	return o.registry.Token() != j.Token
}

func (o *Orchestrator) terminal(j *job, event fsm.Event, ev events.Event) events.Event {
	o.advance(j, event)
	return ev
}

func (o *Orchestrator) advance(j *job, event fsm.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, err := fsm.Job.Transition(j.state, event)
	if err != nil {
		o.logger.Debug("ignored job transition", "job_id", j.ID, "error", err.Error())
		return
	}
	j.state = next
}

// emit delivers ev on the loop while j is still the active job.
func (o *Orchestrator) emit(j *job, ev events.Event) {
	ev.Source = events.SourceTranscription
	ev.JobID = j.ID
	ev.Token = string(j.Token)
	o.loop.Post(func() {
		if !o.isActive(j) {
			o.logger.Debug("dropping stale transcription event", "kind", string(ev.Kind), "job_id", j.ID)
			return
		}
		o.dispatch.Publish(ev)
	})
}

// finish publishes the terminal event and retires j on the loop, so no
// later job can start before subscribers have seen the outcome.
func (o *Orchestrator) finish(j *job, ev events.Event) {
	ev.Source = events.SourceTranscription
	ev.JobID = j.ID
	ev.Token = string(j.Token)
	posted := o.loop.Post(func() {
		if !o.retire(j) {
			return
		}
		o.dispatch.Publish(ev)
	})
	if !posted {
		o.retire(j)
	}
}

func (o *Orchestrator) retire(j *job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != j {
		return false
	}
	j.cancel()
	o.active = nil
	return true
}

func (o *Orchestrator) isActive(j *job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active == j
}

func (o *Orchestrator) releaseAudio(path string, isTemp bool) {
	if !isTemp || o.tracker == nil {
		return
	}
	o.tracker.Release(path)
}
