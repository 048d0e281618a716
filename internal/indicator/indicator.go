// Package indicator shows dictation and model state as desktop notifications
// and plays short audio cues.
package indicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/events"
)

const (
	stickyTimeoutMS = 300000
	readyTimeoutMS  = 1500
	progressStep    = 10.0
)

// Notifier routes indicator state through freedesktop notifications. One
// notification id is reused so each update replaces the previous one.
type Notifier struct {
	cfg      config.IndicatorConfig
	logger   *slog.Logger
	messages messages

	mu             sync.Mutex
	notificationID uint32
	lastStep       float64

	soundMu sync.Mutex
}

// New creates a notifier from config.
func New(cfg config.IndicatorConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{
		cfg:      cfg,
		logger:   logger,
		messages: indicatorMessagesFromEnv(),
		lastStep: -1,
	}
}

// ShowRecording signals recording start and emits the start cue.
func (n *Notifier) ShowRecording(ctx context.Context) {
	n.playCue(cueStart)
	n.show(ctx, n.messages.recording, "", urgencyNormal, stickyTimeoutMS)
}

// ShowTranscribing signals the post-capture transcription state.
func (n *Notifier) ShowTranscribing(ctx context.Context) {
	n.show(ctx, n.messages.processing, "", urgencyNormal, stickyTimeoutMS)
}

// ShowError displays an error message.
func (n *Notifier) ShowError(ctx context.Context, text string) {
	if text == "" {
		text = n.messages.errorText
	}
	timeout := n.cfg.ErrorTimeoutMS
	if timeout <= 0 {
		timeout = 1200
	}
	n.show(ctx, text, "", urgencyCritical, timeout)
}

// CueStop emits the stop cue.
func (n *Notifier) CueStop(context.Context) {
	n.playCue(cueStop)
}

// CueComplete emits the successful-commit cue.
func (n *Notifier) CueComplete(context.Context) {
	n.playCue(cueComplete)
}

// CueCancel emits the cancel cue.
func (n *Notifier) CueCancel(context.Context) {
	n.playCue(cueCancel)
}

// Hide dismisses the active notification.
func (n *Notifier) Hide(ctx context.Context) {
	if !n.cfg.Enable {
		return
	}
	n.mu.Lock()
	id := n.notificationID
	n.notificationID = 0
	n.mu.Unlock()
	if id == 0 {
		return
	}
	n.run(ctx, func(ctx context.Context) error { return desktopDismiss(ctx, id) })
}

// Watch renders model lifecycle events until ctx is done or the channel
// closes. Transcription events are left to the dictation session.
func (n *Notifier) Watch(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			n.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent renders one model event.
func (n *Notifier) HandleEvent(ctx context.Context, ev events.Event) {
	if ev.Source != events.SourceModel {
		return
	}
	label := ev.Model
	if ev.Quantization != "" {
		label = fmt.Sprintf("%s (%s)", ev.Model, ev.Quantization)
	}

	switch ev.Kind {
	case events.KindLoadingQueued:
		n.resetProgress()
		n.show(ctx, fmt.Sprintf(n.messages.loading, label), "", urgencyLow, stickyTimeoutMS)
	case events.KindDownloadStarted, events.KindDownloadProgress:
		if !n.progressDue(ev) {
			return
		}
		body := fmt.Sprintf(n.messages.downloading, label,
			humanize.Bytes(uint64(max(ev.Downloaded, 0))),
			humanize.Bytes(uint64(max(ev.Total, 0))),
		)
		n.show(ctx, fmt.Sprintf(n.messages.loading, label), body, urgencyLow, stickyTimeoutMS)
	case events.KindLoaded:
		n.resetProgress()
		n.show(ctx, fmt.Sprintf(n.messages.ready, label), "", urgencyLow, readyTimeoutMS)
	case events.KindError:
		n.resetProgress()
		n.ShowError(ctx, ev.Message)
	case events.KindCancelled:
		n.resetProgress()
		n.Hide(ctx)
	}
}

// progressDue reports whether ev crosses the next progress step.
func (n *Notifier) progressDue(ev events.Event) bool {
	if ev.Total <= 0 {
		return ev.Kind == events.KindDownloadStarted
	}
	percent := float64(ev.Downloaded) / float64(ev.Total) * 100
	step := math.Floor(percent/progressStep) * progressStep

	n.mu.Lock()
	defer n.mu.Unlock()
	if step <= n.lastStep {
		return false
	}
	n.lastStep = step
	return true
}

func (n *Notifier) resetProgress() {
	n.mu.Lock()
	n.lastStep = -1
	n.mu.Unlock()
}

func (n *Notifier) show(ctx context.Context, summary, body string, urgency byte, timeoutMS int) {
	if !n.cfg.Enable {
		return
	}
	appName := strings.TrimSpace(n.cfg.AppName)
	if appName == "" {
		appName = "murmur"
	}

	n.run(ctx, func(ctx context.Context) error {
		n.mu.Lock()
		replaceID := n.notificationID
		n.mu.Unlock()

		id, err := desktopNotify(ctx, notification{
			appName:   appName,
			replaceID: replaceID,
			summary:   summary,
			body:      body,
			urgency:   urgency,
			timeoutMS: timeoutMS,
		})
		if err != nil {
			return err
		}

		n.mu.Lock()
		n.notificationID = id
		n.mu.Unlock()
		return nil
	})
}

// run executes an indicator operation with a bounded timeout.
func (n *Notifier) run(ctx context.Context, fn func(context.Context) error) {
	runCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	if err := fn(runCtx); err != nil {
		n.logger.Debug("indicator dispatch failed", "error", err.Error())
	}
}

// playCue serializes cue playback and emits audio asynchronously.
func (n *Notifier) playCue(c cue) {
	if !n.cfg.SoundEnable {
		return
	}
	go func() {
		n.soundMu.Lock()
		defer n.soundMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		if err := emitCue(ctx, c, n.cfg); err != nil {
			n.logger.Debug("indicator audio cue failed", "error", err.Error())
		}
	}()
}
