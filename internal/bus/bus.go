// Package bus publishes model and transcription outcomes to NATS so other
// processes on the desktop can react to finished dictations.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/events"
)

// ErrNotConfigured is returned by Connect when bus.url is empty.
var ErrNotConfigured = errors.New("bus.url is not configured")

// Message is the JSON body published for one event.
type Message struct {
	Seq          int64     `json:"seq"`
	Time         time.Time `json:"time"`
	Kind         string    `json:"kind"`
	Token        string    `json:"token,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Quantization string    `json:"quantization,omitempty"`
	Device       string    `json:"device,omitempty"`
	Text         string    `json:"text,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Publisher forwards loaded and terminal transcription events.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	log     *slog.Logger
	publish func(subject string, data []byte) error

	published atomic.Int64
	failed    atomic.Int64
}

// Connect dials the configured NATS server.
func Connect(_ context.Context, cfg config.BusConfig, log *slog.Logger) (*Publisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrNotConfigured
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	timeout := time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	options := []nats.Option{
		nats.Name("murmur"),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "server", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))

	p := newPublisher(cfg.SubjectPrefix, log, conn.Publish)
	p.conn = conn
	return p, nil
}

func newPublisher(prefix string, log *slog.Logger, publish func(string, []byte) error) *Publisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "murmur"
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{prefix: prefix, log: log, publish: publish}
}

// Subject returns the subject events from source are published on.
func (p *Publisher) Subject(source events.Source) string {
	return p.prefix + "." + string(source)
}

// Handle publishes ev when it is a loaded event or ends a transcription job.
// Publish failures are logged and counted, never returned to the caller.
func (p *Publisher) Handle(ev events.Event) {
	if !forwarded(ev) {
		return
	}
	data, err := json.Marshal(Message{
		Seq:          ev.Seq,
		Time:         ev.Time,
		Kind:         string(ev.Kind),
		Token:        ev.Token,
		JobID:        ev.JobID,
		Model:        ev.Model,
		Quantization: ev.Quantization,
		Device:       ev.Device,
		Text:         ev.Text,
		Message:      ev.Message,
	})
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("encode bus message failed", "kind", ev.Kind, "error", err.Error())
		return
	}

	subject := p.Subject(ev.Source)
	if err := p.publish(subject, data); err != nil {
		p.failed.Add(1)
		p.log.Warn("publish bus message failed", "subject", subject, "error", err.Error())
		return
	}
	p.published.Add(1)
}

// Stats reports how many events were published and how many failed.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.log.Info("closing NATS connection")
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("drain NATS connection failed", "error", err.Error())
	}
	p.conn.Close()
}

func forwarded(ev events.Event) bool {
	switch ev.Source {
	case events.SourceModel:
		return ev.Kind == events.KindLoaded
	case events.SourceTranscription:
		return ev.Kind == events.KindCompleted || ev.Kind == events.KindCancelled || ev.Kind == events.KindFailed
	default:
		return false
	}
}
