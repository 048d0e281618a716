// Package loader resolves, downloads, and instantiates models on background
// workers. Only the newest request may publish into the registry.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbright/murmur/internal/engine"
	"github.com/rbright/murmur/internal/events"
	"github.com/rbright/murmur/internal/fsm"
	"github.com/rbright/murmur/internal/models"
	"github.com/rbright/murmur/internal/registry"
)

// Resolver is the artifact resolution surface the loader drives.
type Resolver interface {
	CheckCached(repoID string) (string, bool)
	ListRemoteFiles(ctx context.Context, repoID string) (models.Listing, error)
	DiffMissing(repoID string, listing models.Listing) (string, []models.File)
	Download(ctx context.Context, plan models.Plan, onProgress models.ProgressFunc) (string, error)
}

// Metrics receives load outcomes.
type Metrics interface {
	LoadFinished(ctx context.Context, outcome string, elapsed time.Duration)
	BytesDownloaded(ctx context.Context, n int64)
}

type noopMetrics struct{}

func (noopMetrics) LoadFinished(context.Context, string, time.Duration) {}
func (noopMetrics) BytesDownloaded(context.Context, int64)              {}

// Request is one immutable load request.
type Request struct {
	Model        string
	Quantization string
	Device       string
	Token        registry.Token
}

// Status is a snapshot of the pending request.
type Status struct {
	Request Request
	State   fsm.State
}

// Options configures an Orchestrator.
type Options struct {
	Threads int
	Logger  *slog.Logger
	Metrics Metrics
}

// Orchestrator runs one worker per load request. A new request cancels the
// previous one and races it; the registry token decides who publishes.
type Orchestrator struct {
	loop     *events.Loop
	dispatch *events.Dispatcher
	registry *registry.Registry
	resolver Resolver
	factory  engine.Factory
	threads  int
	logger   *slog.Logger
	metrics  Metrics
	tracer   trace.Tracer

	mu       sync.Mutex
	inflight map[registry.Token]*inflight
	closed   bool
	workers  sync.WaitGroup
}

type inflight struct {
	req    Request
	state  fsm.State
	cancel context.CancelFunc
}

// New wires an orchestrator. Events are published on loop through dispatch.
func New(
	loop *events.Loop,
	dispatch *events.Dispatcher,
	reg *registry.Registry,
	resolver Resolver,
	factory engine.Factory,
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
		resolver: resolver,
		factory:  factory,
		threads:  engine.DefaultThreads(opts.Threads),
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/rbright/murmur/internal/loader"),
		inflight: make(map[registry.Token]*inflight),
	}
}

// ErrClosed is returned by RequestLoad after Shutdown.
var ErrClosed = errors.New("loader is shut down")

// RequestLoad mints a token, cancels whatever request was pending, and starts
// a worker. It never blocks on the work itself.
func (o *Orchestrator) RequestLoad(model, quantization, device string) (registry.Token, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	for _, f := range o.inflight {
		f.cancel()
	}
	token := o.registry.Begin()
	ctx, cancel := context.WithCancel(context.Background())
	req := Request{Model: model, Quantization: quantization, Device: device, Token: token}
	o.inflight[token] = &inflight{req: req, state: fsm.LoadQueued, cancel: cancel}
	o.workers.Add(1)
	o.mu.Unlock()

	o.logger.Info("model load requested",
		"model", model,
		"quantization", quantization,
		"device", device,
		"token", string(token),
	)
	o.emit(req, events.Event{Kind: events.KindLoadingQueued})

	go o.run(ctx, req)
	return token, nil
}

// CancelLoading sets the cancellation flag of the pending request. It
// reports whether a pending request was still running.
func (o *Orchestrator) CancelLoading() bool {
	pending := o.registry.Pending()
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.inflight[pending]
	if !ok {
		return false
	}
	f.cancel()
	return true
}

// Status returns the pending request while it is in flight.
func (o *Orchestrator) Status() (Status, bool) {
	pending := o.registry.Pending()
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.inflight[pending]
	if !ok {
		return Status{}, false
	}
	return Status{Request: f.req, State: f.state}, true
}

// Shutdown cancels every worker and waits up to timeout for them to exit.
// It reports whether all workers finished in time. Abandoned workers are
// discarded by the usual staleness checks.
func (o *Orchestrator) Shutdown(timeout time.Duration) bool {
	o.mu.Lock()
	o.closed = true
	for _, f := range o.inflight {
		f.cancel()
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
		o.logger.Warn("model load workers did not finish before shutdown timeout", "timeout", timeout.String())
		return false
	}
}

// run is the worker body: resolve, optionally download, instantiate, publish.
func (o *Orchestrator) run(ctx context.Context, req Request) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "model.load", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.String("quantization", req.Quantization),
		attribute.String("device", req.Device),
	))
	outcome := "error"
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("model load worker panicked", "token", string(req.Token), "panic", fmt.Sprint(r))
			o.fail(req, fmt.Sprintf("Unexpected error: %v", r))
		}
		o.metrics.LoadFinished(ctx, outcome, time.Since(started))
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		o.finishWorker(req.Token)
	}()

	o.advance(req, fsm.LoadEventResolve)
	if ctx.Err() != nil {
		outcome = "cancelled"
		o.cancelled(req)
		return
	}

	path, err := o.resolve(ctx, req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, models.ErrInterrupted) {
			outcome = "cancelled"
			o.cancelled(req)
			return
		}
		span.SetStatus(codes.Error, err.Error())
		o.fail(req, err.Error())
		return
	}

	if ctx.Err() != nil {
		outcome = "cancelled"
		o.cancelled(req)
		return
	}

	o.advance(req, fsm.LoadEventInstantiate)
	o.emit(req, events.Event{Kind: events.KindInstantiating, Model: req.Model})

	handle, err := o.factory.Load(ctx, engine.LoadOptions{
		Path:         path,
		Device:       req.Device,
		Quantization: req.Quantization,
		Threads:      o.threads,
	})
	if err != nil {
		if ctx.Err() != nil {
			outcome = "cancelled"
			o.cancelled(req)
			return
		}
		span.SetStatus(codes.Error, err.Error())
		var loadErr *engine.LoadError
		if errors.As(err, &loadErr) {
			o.logger.Error("model load error", "model", req.Model, "error", err.Error())
			o.fail(req, loadErr.Error())
			return
		}
		o.logger.Error("unexpected model load error", "model", req.Model, "error", err.Error())
		o.fail(req, fmt.Sprintf("Unexpected error: %v", err))
		return
	}

	if ctx.Err() != nil {
		outcome = "cancelled"
		o.releaseAsync(handle)
		o.cancelled(req)
		return
	}

	outcome = "loaded"
	o.advance(req, fsm.LoadEventSucceed)
	o.publish(req, handle)
}

// resolve returns a local snapshot path, downloading missing files.
func (o *Orchestrator) resolve(ctx context.Context, req Request) (string, error) {
	repoID := models.RepositoryID(req.Model, req.Quantization)
	cached, hasCache := o.resolver.CheckCached(repoID)

	listing, err := o.resolver.ListRemoteFiles(ctx, repoID)
	if err != nil {
		if ctx.Err() != nil {
			return "", models.ErrInterrupted
		}
		if hasCache && models.IsNetworkError(err) {
			o.logger.Info("offline; using cached model as-is", "model", req.Model, "path", cached)
			return cached, nil
		}
		if !hasCache && models.IsNetworkError(err) {
			return "", fmt.Errorf(
				"Cannot download model '%s': No internet connection. Please connect to the internet or select a previously downloaded model.",
				req.Model,
			)
		}
		return "", fmt.Errorf("Failed to get model info for '%s': %v", req.Model, err)
	}

	if ctx.Err() != nil {
		return "", models.ErrInterrupted
	}

	dir, missing := o.resolver.DiffMissing(repoID, listing)
	if len(missing) == 0 {
		if dir != "" {
			return dir, nil
		}
		if cached, ok := o.resolver.CheckCached(repoID); ok {
			return cached, nil
		}
	}

	return o.download(ctx, req, models.Plan{RepoID: repoID, Revision: listing.Revision, Files: missing})
}

func (o *Orchestrator) download(ctx context.Context, req Request, plan models.Plan) (string, error) {
	total := plan.TotalBytes()
	o.advance(req, fsm.LoadEventDownload)
	o.emit(req, events.Event{Kind: events.KindDownloadStarted, Model: req.Model, Total: total})

	var reported int64
	path, err := o.resolver.Download(ctx, plan, func(downloaded, total int64) {
		if downloaded > reported {
			o.metrics.BytesDownloaded(ctx, downloaded-reported)
			reported = downloaded
		}
		o.emit(req, events.Event{Kind: events.KindDownloadProgress, Downloaded: downloaded, Total: total})
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, models.ErrInterrupted) {
			return "", models.ErrInterrupted
		}
		var integrity *models.IntegrityError
		if errors.As(err, &integrity) {
			return "", err
		}
		if models.IsNetworkError(err) {
			return "", fmt.Errorf(
				"Download failed for '%s': Network connection lost. Please check your internet connection and try again.",
				req.Model,
			)
		}
		return "", fmt.Errorf("Download failed for '%s': %v", req.Model, err)
	}

	o.emit(req, events.Event{Kind: events.KindDownloadFinished, Model: req.Model})
	return path, nil
}

// emit delivers ev on the loop unless req has been superseded by then.
func (o *Orchestrator) emit(req Request, ev events.Event) {
	ev.Source = events.SourceModel
	ev.Token = string(req.Token)
	o.loop.Post(func() {
		if !o.registry.IsPending(req.Token) {
			o.logger.Debug("dropping stale load event", "kind", string(ev.Kind), "token", string(req.Token))
			return
		}
		o.dispatch.Publish(ev)
	})
}

// publish hands the handle to the registry on the loop. A superseded
// request's handle is released instead.
func (o *Orchestrator) publish(req Request, handle engine.Handle) {
	posted := o.loop.Post(func() {
		previous, ok := o.registry.Publish(handle, req.Token)
		if !ok {
			o.logger.Debug("discarding stale model load", "model", req.Model, "token", string(req.Token))
			o.releaseAsync(handle)
			return
		}
		if previous != nil {
			o.releaseAsync(previous)
		}
		o.logger.Info("model loaded",
			"model", req.Model,
			"quantization", req.Quantization,
			"device", req.Device,
			"token", string(req.Token),
		)
		o.dispatch.Publish(events.Event{
			Source:       events.SourceModel,
			Kind:         events.KindLoaded,
			Token:        string(req.Token),
			Model:        req.Model,
			Quantization: req.Quantization,
			Device:       req.Device,
		})
	})
	if !posted {
		o.releaseAsync(handle)
	}
}

func (o *Orchestrator) fail(req Request, message string) {
	o.advance(req, fsm.EventFail)
	o.emit(req, events.Event{Kind: events.KindError, Model: req.Model, Message: message})
}

func (o *Orchestrator) cancelled(req Request) {
	o.advance(req, fsm.EventCancel)
	o.logger.Info("model load cancelled", "model", req.Model, "token", string(req.Token))
	o.emit(req, events.Event{Kind: events.KindCancelled, Model: req.Model})
}

// advance records a state transition for Status and logs.
func (o *Orchestrator) advance(req Request, event fsm.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.inflight[req.Token]
	if !ok {
		return
	}
	next, err := fsm.Load.Transition(f.state, event)
	if err != nil {
		o.logger.Debug("ignored load transition", "token", string(req.Token), "error", err.Error())
		return
	}
	f.state = next
}

func (o *Orchestrator) finishWorker(token registry.Token) {
	o.mu.Lock()
	if f, ok := o.inflight[token]; ok {
		f.cancel()
		delete(o.inflight, token)
	}
	o.mu.Unlock()
	o.workers.Done()
}

// releaseAsync unloads a discarded or displaced handle off the coordination
// goroutine.
func (o *Orchestrator) releaseAsync(handle engine.Handle) {
	go func() {
		if err := handle.Release(); err != nil {
			o.logger.Warn("release model handle failed", "error", err.Error())
		}
	}()
}
