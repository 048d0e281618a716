package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rbright/murmur/internal/audio"
	"github.com/rbright/murmur/internal/bus"
	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/engine"
	"github.com/rbright/murmur/internal/events"
	"github.com/rbright/murmur/internal/history"
	"github.com/rbright/murmur/internal/ipc"
	"github.com/rbright/murmur/internal/loader"
	"github.com/rbright/murmur/internal/models"
	"github.com/rbright/murmur/internal/registry"
	"github.com/rbright/murmur/internal/session"
	"github.com/rbright/murmur/internal/telemetry"
	"github.com/rbright/murmur/internal/tempfile"
	"github.com/rbright/murmur/internal/transcript"
	"github.com/rbright/murmur/internal/transcription"
	"github.com/rbright/murmur/internal/version"
)

const (
	shutdownTimeout = 5 * time.Second
	eventHistory    = 256
)

// Options tunes NewApp.
type Options struct {
	Logger *slog.Logger
	// PersistModel saves the model settings to the config file whenever a
	// load completes.
	PersistModel bool
}

// App owns the coordination loop, both orchestrators, and the optional
// history, bus, and telemetry sinks for one process.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	loop     *events.Loop
	stopLoop context.CancelFunc
	dispatch *events.Dispatcher
	registry *registry.Registry
	tracker  *tempfile.Tracker
	loader   *loader.Orchestrator
	jobs     *transcription.Orchestrator

	telemetry *telemetry.Telemetry
	history   *history.Store
	bus       *bus.Publisher
	store     *config.Store
	persist   bool

	mu          sync.Mutex
	loaded      events.Event
	unsubscribe []func()
	saves       sync.WaitGroup
	closeOnce   sync.Once
}

// NewApp wires the runtime described by loaded. History and the bus are
// best effort: a failure to open either is logged and the sink is skipped.
func NewApp(ctx context.Context, loaded config.Loaded, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := loaded.Config

	execOpts := []engine.ExecOption{engine.WithDurationProbe(audio.ProbeDuration)}
	if cfg.Engine.ReadyTimeoutSec > 0 {
		execOpts = append(execOpts, engine.WithReadyTimeout(time.Duration(cfg.Engine.ReadyTimeoutSec)*time.Second))
	}
	factory, err := engine.NewExecFactory(cfg.Engine.Command, logger, execOpts...)
	if err != nil {
		return nil, err
	}
	resolver, err := newResolver(cfg.Model, logger)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, version.Version, logger)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	loop := events.NewLoop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go loop.Run(loopCtx)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		loop:      loop,
		stopLoop:  stopLoop,
		dispatch:  events.NewDispatcher(eventHistory),
		registry:  registry.New(logger),
		tracker:   tempfile.NewTracker("", logger),
		telemetry: tel,
		store:     config.NewStore(loaded.Path, cfg),
		persist:   opts.PersistModel,
	}
	a.loader = loader.New(loop, a.dispatch, a.registry, resolver, factory, loader.Options{
		Threads: cfg.Model.CPUThreads,
		Logger:  logger,
		Metrics: tel,
	})
	var curate func(string) string
	if cfg.Transcription.Curate {
		curate = transcript.Curate
	}
	a.jobs = transcription.New(loop, a.dispatch, a.registry, a.tracker, transcription.Options{
		Logger:  logger,
		Metrics: tel,
		Curate:  curate,
	})
	a.unsubscribe = append(a.unsubscribe, a.dispatch.Subscribe(events.SinkFunc(a.observe)))

	if cfg.History.Enable {
		a.history = openHistory(ctx, cfg.History, logger)
	}
	if strings.TrimSpace(cfg.Bus.URL) != "" {
		pub, err := bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			logger.Warn("event bus unavailable", "url", cfg.Bus.URL, "error", err.Error())
		} else {
			a.bus = pub
			a.unsubscribe = append(a.unsubscribe, a.dispatch.Subscribe(pub))
		}
	}
	return a, nil
}

func newResolver(cfg config.ModelConfig, logger *slog.Logger) (*models.Resolver, error) {
	root := strings.TrimSpace(cfg.CacheDir)
	if root == "" {
		resolved, err := models.DefaultCacheRoot()
		if err != nil {
			return nil, err
		}
		root = resolved
	}
	hub := models.NewHubClient(models.HubOptions{
		BaseURL:   cfg.HubURL,
		UserAgent: version.UserAgent(),
	})
	return models.NewResolver(models.NewCache(root), hub, logger), nil
}

func openHistory(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) *history.Store {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		resolved, err := config.DefaultHistoryPath()
		if err != nil {
			logger.Warn("history disabled", "error", err.Error())
			return nil
		}
		path = resolved
	}
	store, err := history.Open(ctx, path, logger)
	if err != nil {
		logger.Warn("history disabled", "path", path, "error", err.Error())
		return nil
	}
	return store
}

// observe runs on the coordination loop for every dispatched event.
func (a *App) observe(ev events.Event) {
	if ev.Source != events.SourceModel || ev.Kind != events.KindLoaded {
		return
	}
	a.mu.Lock()
	a.loaded = ev
	a.mu.Unlock()

	if !a.persist {
		return
	}
	a.saves.Add(1)
	go func() {
		defer a.saves.Done()
		a.persistModel(ev)
	}()
}

func (a *App) persistModel(ev events.Event) {
	name, quantization, device := a.store.ModelSettings()
	if name == ev.Model && quantization == ev.Quantization && device == ev.Device {
		return
	}
	if err := a.store.SetModelSettings(ev.Model, ev.Quantization, ev.Device); err != nil {
		a.logger.Warn("model settings rejected", "model", ev.Model, "error", err.Error())
		return
	}
	if err := a.store.Save(); err != nil {
		a.logger.Error("save model settings failed", "path", a.store.Path(), "error", err.Error())
		return
	}
	a.logger.Info("model settings saved", "path", a.store.Path(), "model", ev.Model)
}

// RequestLoad starts loading a model. Empty arguments fall back to the
// current model settings.
func (a *App) RequestLoad(name, quantization, device string) (registry.Token, error) {
	curName, curQuant, curDevice := a.store.ModelSettings()
	name = firstNonEmpty(name, curName)
	device = strings.ToLower(firstNonEmpty(device, curDevice))
	quantization = firstNonEmpty(quantization, curQuant)

	if !models.Known(name) {
		return "", fmt.Errorf("unknown model %q", name)
	}
	if !models.ValidDevice(device) {
		return "", fmt.Errorf("invalid device %q", device)
	}
	options := models.QuantizationOptions(name, device, a.cfg.Model.SupportedQuantizations)
	if !slices.Contains(options, quantization) {
		return "", fmt.Errorf("%s does not offer %s on %s (choose from %s)",
			name, quantization, device, strings.Join(options, ", "))
	}
	return a.loader.RequestLoad(name, quantization, device)
}

// HandleLoad serves the load command for a running session.
func (a *App) HandleLoad(_ context.Context, req ipc.Request) ipc.Response {
	token, err := a.RequestLoad(req.Model, req.Quantization, req.Device)
	if err != nil {
		return ipc.Response{OK: false, Error: err.Error()}
	}
	resp := ipc.Response{OK: true, Model: a.ModelStatus()}
	if status, ok := a.loader.Status(); ok && status.Request.Token == token {
		resp.Message = fmt.Sprintf("loading %s (%s, %s)",
			status.Request.Model, status.Request.Quantization, status.Request.Device)
	}
	return resp
}

// ModelStatus describes the published model and any pending load. It
// returns nil when neither exists.
func (a *App) ModelStatus() *ipc.ModelStatus {
	var status ipc.ModelStatus
	_, token := a.registry.Current()
	a.mu.Lock()
	loaded := a.loaded
	a.mu.Unlock()
	if token != "" && loaded.Token == string(token) {
		status.Name = loaded.Model
		status.Quantization = loaded.Quantization
		status.Device = loaded.Device
		status.Token = string(token)
	}
	if pending, ok := a.loader.Status(); ok {
		status.Loading = pending.Request.Model
		status.LoadState = string(pending.State)
	}
	if status == (ipc.ModelStatus{}) {
		return nil
	}
	return &status
}

// Transcriber returns a session transcriber bound to this runtime. With
// keepAudio set, recordings are never deleted.
func (a *App) Transcriber(task engine.Task, keepAudio bool) *session.EngineTranscriber {
	return session.NewEngineTranscriber(a.registry, a.loader, a.jobs, a.dispatch, a.tracker, session.EngineOptions{
		Task:      task,
		BatchSize: a.cfg.Transcription.BatchSize,
		KeepAudio: keepAudio,
		Logger:    a.logger,
	})
}

// Subscribe attaches sink to the event stream.
func (a *App) Subscribe(sink events.Sink) func() {
	return a.dispatch.Subscribe(sink)
}

// Tracker owns recorded audio for this runtime.
func (a *App) Tracker() *tempfile.Tracker {
	return a.tracker
}

// Record appends a finished transcript to history and prunes old rows.
func (a *App) Record(ctx context.Context, t session.Transcript) {
	if a.history == nil {
		return
	}
	entry, err := a.history.Add(ctx, history.Entry{
		Model:        t.Model,
		Quantization: t.Quantization,
		Device:       t.Device,
		Task:         string(t.Task),
		Duration:     t.Audio,
		Text:         t.Text,
	})
	if err != nil {
		a.logger.Error("record history failed", "error", err.Error())
		return
	}
	a.logger.Debug("history recorded", "id", entry.ID, "job_id", t.JobID)
	if keep := a.cfg.History.Keep; keep > 0 {
		if _, err := a.history.Prune(ctx, keep); err != nil {
			a.logger.Warn("prune history failed", "error", err.Error())
		}
	}
}

// Close cancels pending work, waits for workers, releases the model and
// temp audio, then closes the sinks.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.loader.CancelLoading() {
			a.logger.Info("cancelled pending model load")
		}
		if a.jobs.Cancel() {
			a.logger.Info("cancelled active transcription")
		}
		drained := drainWorkers(shutdownTimeout, a.loader.Shutdown, a.jobs.Shutdown)
		if !drained[0] {
			a.logger.Warn("model load workers still running after shutdown timeout")
		}
		if !drained[1] {
			a.logger.Warn("transcription workers still running after shutdown timeout")
		}
		a.registry.Clear()
		a.tracker.ReleaseAll()

		for _, unsubscribe := range a.unsubscribe {
			unsubscribe()
		}
		a.saves.Wait()

		if a.history != nil {
			if err := a.history.Close(); err != nil {
				a.logger.Warn("close history failed", "error", err.Error())
			}
		}
		if a.bus != nil {
			a.bus.Close()
		}

		a.stopLoop()
		<-a.loop.Done()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err.Error())
		}
	})
}

// drainWorkers runs every shutdown concurrently so they share one timeout.
// It returns each shutdown's result in argument order.
func drainWorkers(timeout time.Duration, shutdowns ...func(time.Duration) bool) []bool {
	drained := make([]bool, len(shutdowns))
	var wg sync.WaitGroup
	for i, shutdown := range shutdowns {
		wg.Go(func() {
			drained[i] = shutdown(timeout)
		})
	}
	wg.Wait()
	return drained
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
