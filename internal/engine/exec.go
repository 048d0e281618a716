package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	defaultReadyTimeout = 2 * time.Minute
	releaseGrace        = 2 * time.Second
	stderrTailBytes     = 4096
)

// DurationProbe returns the length of an audio file. It backs up workers
// that do not report a duration.
type DurationProbe func(path string) (time.Duration, error)

// ExecFactory starts one long-lived worker process per loaded model. The
// worker reads request lines on stdin and answers with JSON lines on stdout.
type ExecFactory struct {
	argv         []string
	logger       *slog.Logger
	probe        DurationProbe
	readyTimeout time.Duration
}

// ExecOption customizes an ExecFactory.
type ExecOption func(*ExecFactory)

// WithDurationProbe sets the fallback used when a worker omits duration.
func WithDurationProbe(probe DurationProbe) ExecOption {
	return func(f *ExecFactory) { f.probe = probe }
}

// WithReadyTimeout bounds how long Load waits for the worker's ready line.
func WithReadyTimeout(d time.Duration) ExecOption {
	return func(f *ExecFactory) { f.readyTimeout = d }
}

// NewExecFactory parses command with shell quoting rules.
func NewExecFactory(command string, logger *slog.Logger, opts ...ExecOption) (*ExecFactory, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	argv, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("engine command is empty")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &ExecFactory{argv: argv, logger: logger, readyTimeout: defaultReadyTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Argv returns the parsed base command.
func (f *ExecFactory) Argv() []string {
	return append([]string(nil), f.argv...)
}

// workerMessage is one stdout line from the worker.
type workerMessage struct {
	Event    string  `json:"event"`
	Text     string  `json:"text,omitempty"`
	Start    float64 `json:"start,omitempty"`
	End      float64 `json:"end,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Language string  `json:"language,omitempty"`
	Message  string  `json:"message,omitempty"`
}

type workerRequest struct {
	Audio     string `json:"audio"`
	Task      Task   `json:"task"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// Load starts the worker and waits for its ready line.
func (f *ExecFactory) Load(ctx context.Context, opts LoadOptions) (Handle, error) {
	args := append([]string{}, f.argv[1:]...)
	args = append(args,
		"--model", opts.Path,
		"--device", opts.Device,
		"--compute-type", opts.Quantization,
		"--threads", strconv.Itoa(opts.Threads),
	)

	// The worker outlives the load request, so it is not bound to ctx.
	cmd := exec.Command(f.argv[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LoadError{Err: fmt.Errorf("open worker stdin: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LoadError{Err: fmt.Errorf("open worker stdout: %w", err)}
	}
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &LoadError{Err: fmt.Errorf("start engine worker %s: %w", f.argv[0], err)}
	}

	h := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		msgs:   make(chan workerMessage, 16),
		busy:   make(chan struct{}, 1),
		exited: make(chan struct{}),
		stderr: stderr,
		logger: f.logger,
		probe:  f.probe,
	}
	go h.read(stdout)

	timer := time.NewTimer(f.readyTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-h.msgs:
		switch {
		case !ok:
			h.kill()
			return nil, &LoadError{Err: h.exitError("engine worker exited before ready")}
		case msg.Event == "ready":
			f.logger.Debug("engine worker ready", "pid", cmd.Process.Pid, "model", opts.Path)
			return h, nil
		case msg.Event == "error":
			h.kill()
			return nil, &LoadError{Err: errors.New(msg.Message)}
		default:
			h.kill()
			return nil, &LoadError{Err: fmt.Errorf("engine worker sent %q before ready", msg.Event)}
		}
	case <-ctx.Done():
		h.kill()
		return nil, ctx.Err()
	case <-timer.C:
		h.kill()
		return nil, &LoadError{Err: fmt.Errorf("engine worker not ready after %s", f.readyTimeout)}
	}
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	msgs   chan workerMessage
	busy   chan struct{}
	exited chan struct{}
	stderr *tailBuffer
	logger *slog.Logger
	probe  DurationProbe

	released    atomic.Bool
	releaseOnce sync.Once
	waitErr     error
}

func (h *execHandle) read(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg workerMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			h.logger.Debug("ignoring malformed engine line", "line", line, "error", err.Error())
			continue
		}
		h.msgs <- msg
	}
	close(h.msgs)
	h.waitErr = h.cmd.Wait()
	close(h.exited)
}

func (h *execHandle) Transcribe(ctx context.Context, req Request) (Segments, Info, error) {
	return h.transcribe(ctx, req, 0)
}

func (h *execHandle) TranscribeBatched(ctx context.Context, req Request, batchSize int) (Segments, Info, error) {
	return h.transcribe(ctx, req, batchSize)
}

func (h *execHandle) transcribe(ctx context.Context, req Request, batchSize int) (Segments, Info, error) {
	if h.released.Load() {
		return nil, Info{}, ErrReleased
	}
	select {
	case h.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, Info{}, ctx.Err()
	}

	line, err := json.Marshal(workerRequest{Audio: req.AudioPath, Task: req.Task, BatchSize: batchSize})
	if err != nil {
		<-h.busy
		return nil, Info{}, err
	}
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		<-h.busy
		if h.released.Load() {
			return nil, Info{}, ErrReleased
		}
		return nil, Info{}, fmt.Errorf("write engine request: %w", err)
	}

	segments := &execSegments{handle: h}
	select {
	case msg, ok := <-h.msgs:
		if !ok {
			segments.finish()
			return nil, Info{}, h.exitError("engine worker exited")
		}
		switch msg.Event {
		case "info":
			info := Info{Duration: seconds(msg.Duration), Language: msg.Language}
			if info.Duration <= 0 && h.probe != nil {
				if d, err := h.probe(req.AudioPath); err == nil {
					info.Duration = d
				}
			}
			return segments, info, nil
		case "error":
			segments.finish()
			return nil, Info{}, errors.New(msg.Message)
		default:
			segments.finish()
			return nil, Info{}, fmt.Errorf("engine worker sent %q before info", msg.Event)
		}
	case <-ctx.Done():
		_ = segments.Close()
		return nil, Info{}, ctx.Err()
	}
}

// Release closes the worker's stdin and waits for it to exit, killing it
// after a grace period.
func (h *execHandle) Release() error {
	h.releaseOnce.Do(func() {
		h.released.Store(true)
		_ = h.stdin.Close()
		h.drain()
		select {
		case <-h.exited:
		case <-time.After(releaseGrace):
			h.logger.Warn("engine worker did not exit; killing", "pid", h.cmd.Process.Pid)
			h.kill()
		}
	})
	return nil
}

func (h *execHandle) kill() {
	h.released.Store(true)
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	h.drain()
	<-h.exited
}

// drain discards unread lines so the reader can observe process exit.
func (h *execHandle) drain() {
	go func() {
		for range h.msgs {
		}
	}()
}

func (h *execHandle) exitError(prefix string) error {
	<-h.exited
	tail := strings.TrimSpace(h.stderr.String())
	switch {
	case tail != "":
		return fmt.Errorf("%s: %s", prefix, tail)
	case h.waitErr != nil:
		return fmt.Errorf("%s: %w", prefix, h.waitErr)
	default:
		return errors.New(prefix)
	}
}

// execSegments streams one response. The busy slot is returned once the
// response has been fully read.
type execSegments struct {
	handle   *execHandle
	done     bool
	doneOnce sync.Once
}

func (s *execSegments) Next() (Segment, error) {
	if s.done {
		return Segment{}, io.EOF
	}
	msg, ok := <-s.handle.msgs
	if !ok {
		s.finish()
		return Segment{}, s.handle.exitError("engine worker exited mid-transcription")
	}
	switch msg.Event {
	case "segment":
		return Segment{Start: seconds(msg.Start), End: seconds(msg.End), Text: msg.Text}, nil
	case "done":
		s.finish()
		return Segment{}, io.EOF
	case "error":
		s.finish()
		return Segment{}, errors.New(msg.Message)
	default:
		return s.Next()
	}
}

// Close drains any unread response lines in the background.
func (s *execSegments) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	go func() {
		for msg := range s.handle.msgs {
			if msg.Event == "done" || msg.Event == "error" {
				break
			}
		}
		s.release()
	}()
	return nil
}

func (s *execSegments) finish() {
	s.done = true
	s.release()
}

func (s *execSegments) release() {
	s.doneOnce.Do(func() { <-s.handle.busy })
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
