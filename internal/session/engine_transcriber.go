package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/murmur/internal/engine"
	"github.com/rbright/murmur/internal/events"
	"github.com/rbright/murmur/internal/loader"
	"github.com/rbright/murmur/internal/registry"
)

const (
	modelPollInterval = 50 * time.Millisecond
	settleTimeout     = time.Second
)

// LoadStatus reports the in-flight model load, if any.
type LoadStatus interface {
	Status() (loader.Status, bool)
}

// JobRunner submits and cancels transcription jobs.
type JobRunner interface {
	Submit(handle engine.Handle, token registry.Token, audioPath string, task engine.Task, isTemp bool, batchSize int) (string, error)
	Cancel() bool
}

// AudioReleaser discards recordings that never reach a job.
type AudioReleaser interface {
	Release(path string) bool
}

// EngineOptions configures an EngineTranscriber.
type EngineOptions struct {
	Task      engine.Task
	BatchSize int
	// KeepAudio leaves recordings on disk. Set it for files the user owns.
	KeepAudio bool
	Logger    *slog.Logger
}

// EngineTranscriber runs recordings through the transcription orchestrator
// and waits for the job's terminal event. When a model load is in flight it
// waits for that load first.
type EngineTranscriber struct {
	registry *registry.Registry
	loads    LoadStatus
	jobs     JobRunner
	dispatch *events.Dispatcher
	audio    AudioReleaser
	task     engine.Task
	batch    int
	keep     bool
	logger   *slog.Logger

	unsubscribe func()

	mu     sync.Mutex
	loaded events.Event
}

// NewEngineTranscriber subscribes to dispatch to remember which model each
// load token belongs to. Close removes the subscription.
func NewEngineTranscriber(
	reg *registry.Registry,
	loads LoadStatus,
	jobs JobRunner,
	dispatch *events.Dispatcher,
	audio AudioReleaser,
	opts EngineOptions,
) *EngineTranscriber {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	task := opts.Task
	if task == "" {
		task = engine.TaskTranscribe
	}
	t := &EngineTranscriber{
		registry: reg,
		loads:    loads,
		jobs:     jobs,
		dispatch: dispatch,
		audio:    audio,
		task:     task,
		batch:    opts.BatchSize,
		keep:     opts.KeepAudio,
		logger:   logger,
	}
	t.unsubscribe = dispatch.Subscribe(events.SinkFunc(func(ev events.Event) {
		if ev.Source == events.SourceModel && ev.Kind == events.KindLoaded {
			t.mu.Lock()
			t.loaded = ev
			t.mu.Unlock()
		}
	}))
	return t
}

// Close stops tracking loaded models.
func (t *EngineTranscriber) Close() {
	t.unsubscribe()
}

// Transcribe submits rec and blocks until the job finishes or ctx is done.
// Ownership of rec.Path passes to the orchestrator.
func (t *EngineTranscriber) Transcribe(ctx context.Context, rec Recording) (Transcript, error) {
	started := time.Now()
	w := newWaiter()
	unsubscribe := t.dispatch.Subscribe(w)
	defer unsubscribe()

	if err := t.waitForModel(ctx, w); err != nil {
		if !t.keep {
			t.audio.Release(rec.Path)
		}
		return Transcript{}, err
	}

	handle, token := t.registry.Current()
	jobID, err := t.jobs.Submit(handle, token, rec.Path, t.task, !t.keep, t.batch)
	if err != nil {
		return Transcript{}, err
	}

	ev, err := w.wait(ctx, func(ev events.Event) bool {
		return ev.Source == events.SourceTranscription && ev.JobID == jobID
	})
	if err != nil {
		t.jobs.Cancel()
		return Transcript{}, err
	}

	switch ev.Kind {
	case events.KindCompleted:
		out := Transcript{
			JobID:   jobID,
			Text:    ev.Text,
			Task:    t.task,
			Audio:   rec.Duration,
			Elapsed: time.Since(started),
		}
		t.mu.Lock()
		if t.loaded.Token == string(token) {
			out.Model = t.loaded.Model
			out.Quantization = t.loaded.Quantization
			out.Device = t.loaded.Device
		}
		t.mu.Unlock()
		return out, nil
	case events.KindCancelled:
		return Transcript{}, ErrCancelled
	default:
		return Transcript{}, errors.New(ev.Message)
	}
}

// waitForModel blocks while a model load is in flight. Load events can race
// the subscription, so the loader and registry are re-checked on every tick.
// A load seen in flight is not trusted as finished until its terminal event
// arrives, since the loader retires a worker before the loop delivers it.
func (t *EngineTranscriber) waitForModel(ctx context.Context, w *waiter) error {
	ticker := time.NewTicker(modelPollInterval)
	defer ticker.Stop()

	var watched registry.Token
	for {
		status, loading := t.loads.Status()
		if !loading {
			if watched == "" {
				return nil
			}
			return t.settle(ctx, w, watched)
		}
		if t.registry.Token() == status.Request.Token {
			return nil
		}
		if watched != status.Request.Token {
			t.logger.Info("waiting for model load before transcribing",
				"model", status.Request.Model,
				"token", string(status.Request.Token),
			)
			watched = status.Request.Token
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.notify:
		}

		if ev, ok := w.take(loadEvent(watched)); ok {
			return loadOutcome(ev)
		}
	}
}

// settle waits briefly for the terminal event of a load that has left the
// loader. Events delivered before the subscription are found in history.
func (t *EngineTranscriber) settle(ctx context.Context, w *waiter, token registry.Token) error {
	timer := time.NewTimer(settleTimeout)
	defer timer.Stop()

	match := loadEvent(token)
	for {
		if ev, ok := w.take(match); ok {
			return loadOutcome(ev)
		}
		for _, ev := range t.dispatch.Since(0) {
			if match(ev) {
				return loadOutcome(ev)
			}
		}
		if t.registry.Token() == token {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t.logger.Debug("no outcome for finished model load", "token", string(token))
			return nil
		case <-w.notify:
		}
	}
}

func loadEvent(token registry.Token) func(events.Event) bool {
	return func(ev events.Event) bool {
		return ev.Source == events.SourceModel && ev.Token == string(token) && ev.Terminal()
	}
}

// loadOutcome turns a terminal load event into the error Transcribe reports.
func loadOutcome(ev events.Event) error {
	switch {
	case ev.Kind == events.KindLoaded:
		return nil
	case ev.Message != "":
		return errors.New(ev.Message)
	default:
		return errors.New("model load was cancelled")
	}
}

// Cancel cancels the active job.
func (t *EngineTranscriber) Cancel() bool {
	return t.jobs.Cancel()
}

// waiter collects terminal events for one Transcribe call. Handle never
// blocks the coordination goroutine.
type waiter struct {
	mu     sync.Mutex
	seen   []events.Event
	notify chan struct{}
}

func newWaiter() *waiter {
	return &waiter{notify: make(chan struct{}, 1)}
}

func (w *waiter) Handle(ev events.Event) {
	if !ev.Terminal() {
		return
	}
	w.mu.Lock()
	w.seen = append(w.seen, ev)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// take removes and returns the first collected event matching match.
func (w *waiter) take(match func(events.Event) bool) (events.Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, ev := range w.seen {
		if match(ev) {
			w.seen = append(w.seen[:i:i], w.seen[i+1:]...)
			return ev, true
		}
	}
	return events.Event{}, false
}

// wait blocks until a collected event matches match.
func (w *waiter) wait(ctx context.Context, match func(events.Event) bool) (events.Event, error) {
	for {
		if ev, ok := w.take(match); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		case <-w.notify:
		}
	}
}
