// Package pipeline records microphone audio into tracked WAV files for the
// transcription orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/rbright/murmur/internal/audio"
	"github.com/rbright/murmur/internal/session"
	"github.com/rbright/murmur/internal/tempfile"
)

// capture is the subset of *audio.Capture the recorder drives.
type capture interface {
	Chunks() <-chan []byte
	Stop() error
	BytesCaptured() int64
}

// Recorder owns one capture -> WAV pipeline per recording. It is reusable
// once a recording has been stopped or cancelled.
type Recorder struct {
	input    string
	fallback string
	tracker  *tempfile.Tracker
	logger   *slog.Logger

	selectDevice func(ctx context.Context, input, fallback string) (audio.Selection, error)
	startCapture func(ctx context.Context, device audio.Device) (capture, error)

	mu        sync.Mutex
	started   bool
	selection audio.Selection
	capture   capture
	writer    *audio.WAVWriter
	path      string
	writeErr  chan error
}

// NewRecorder builds a recorder capturing from input (or fallback) into
// temp files owned by tracker.
func NewRecorder(input, fallback string, tracker *tempfile.Tracker, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{
		input:        input,
		fallback:     fallback,
		tracker:      tracker,
		logger:       logger,
		selectDevice: audio.SelectDevice,
		startCapture: func(ctx context.Context, device audio.Device) (capture, error) {
			return audio.StartCapture(ctx, device)
		},
	}
}

// Start selects the input device, allocates the temp WAV, and begins capture.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("recorder already started")
	}

	selection, err := r.selectDevice(ctx, r.input, r.fallback)
	if err != nil {
		return err
	}
	if selection.Warning != "" {
		r.logger.Warn(selection.Warning)
	}

	path, err := r.tracker.Create()
	if err != nil {
		return err
	}
	writer, err := audio.CreateWAV(path)
	if err != nil {
		r.tracker.Release(path)
		return err
	}

	capture, err := r.startCapture(ctx, selection.Device)
	if err != nil {
		_ = writer.Close()
		r.tracker.Release(path)
		return err
	}

	r.selection = selection
	r.capture = capture
	r.writer = writer
	r.path = path
	r.writeErr = make(chan error, 1)
	r.started = true

	go r.writeLoop(capture, writer, r.writeErr)

	r.logger.Info("recording started", "device", describeDevice(selection.Device), "path", path)
	return nil
}

// Stop ends capture and finalizes the WAV. The returned recording's path is
// a tracked temp file; ownership passes to the caller.
func (r *Recorder) Stop(context.Context) (session.Recording, error) {
	capture, writer, path, writeErr, selection, ok := r.take()
	if !ok {
		return session.Recording{}, errors.New("recorder not started")
	}

	_ = capture.Stop()
	werr := <-writeErr
	cerr := writer.Close()

	recording := session.Recording{
		AudioDevice:   describeDevice(selection.Device),
		BytesCaptured: capture.BytesCaptured(),
		Duration:      writer.Duration(),
	}
	if err := errors.Join(werr, cerr); err != nil {
		r.tracker.Release(path)
		if errors.Is(err, audio.ErrNoAudio) {
			return recording, err
		}
		return recording, fmt.Errorf("write recording: %w", err)
	}

	recording.Path = path
	r.logger.Info("recording stopped",
		"device", recording.AudioDevice,
		"bytes", recording.BytesCaptured,
		"duration_ms", recording.Duration.Milliseconds(),
	)
	return recording, nil
}

// Cancel stops capture and discards the recording.
func (r *Recorder) Cancel(context.Context) error {
	capture, writer, path, writeErr, _, ok := r.take()
	if !ok {
		return nil
	}
	_ = capture.Stop()
	<-writeErr
	_ = writer.Close()
	r.tracker.Release(path)
	r.logger.Info("recording cancelled")
	return nil
}

// take detaches the active recording so Stop and Cancel run at most once.
func (r *Recorder) take() (capture, *audio.WAVWriter, string, chan error, audio.Selection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil, nil, "", nil, audio.Selection{}, false
	}
	r.started = false
	c, w, p, e, s := r.capture, r.writer, r.path, r.writeErr, r.selection
	r.capture, r.writer, r.path, r.writeErr = nil, nil, "", nil
	return c, w, p, e, s, true
}

// writeLoop drains capture chunks into the WAV writer and reports the first
// write failure once the chunk stream closes.
func (r *Recorder) writeLoop(c capture, w *audio.WAVWriter, errCh chan<- error) {
	var first error
	for chunk := range c.Chunks() {
		if first != nil || len(chunk) == 0 {
			continue
		}
		if err := w.Write(chunk); err != nil {
			first = err
			_ = c.Stop()
		}
	}
	errCh <- first
}

// describeDevice formats device metadata for logs and session results.
func describeDevice(device audio.Device) string {
	description := strings.TrimSpace(device.Description)
	id := strings.TrimSpace(device.ID)
	if description == "" {
		return id
	}
	if id == "" {
		return description
	}
	return fmt.Sprintf("%s (%s)", description, id)
}
