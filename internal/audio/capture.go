package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	// SampleRate is the capture rate the engine expects.
	SampleRate = 16000
	// Channels is the capture channel count.
	Channels = 1

	// 20ms of 16kHz mono s16.
	fragmentBytes = 640
	queuedBuffers = 256
)

// Capture records s16le PCM from one Pulse source. Buffers arrive on
// Chunks in capture order; the channel closes after Stop.
type Capture struct {
	device Device

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []byte
	done   chan struct{}

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
	bytes    atomic.Int64
}

func newCapture(device Device) *Capture {
	return &Capture{
		device: device,
		chunks: make(chan []byte, queuedBuffers),
		done:   make(chan struct{}),
	}
}

// StartCapture opens a record stream on device. Cancelling ctx stops it.
func StartCapture(ctx context.Context, device Device) (*Capture, error) {
	client, err := connect()
	if err != nil {
		return nil, err
	}
	source, err := client.SourceByID(device.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", device.ID, err)
	}

	c := newCapture(device)
	c.client = client
	stream, err := client.NewRecord(
		pulse.NewWriter(pcmSink(c.receive), pulseproto.FormatInt16LE),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(fragmentBytes),
		pulse.RecordMediaName(applicationName+" dictation"),
	)
	if err != nil {
		_ = c.Stop()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}
	c.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.done:
		}
	}()
	return c, nil
}

// Device is the source being recorded.
func (c *Capture) Device() Device { return c.device }

// Chunks yields captured PCM.
func (c *Capture) Chunks() <-chan []byte { return c.chunks }

// BytesCaptured is the PCM byte count accepted so far.
func (c *Capture) BytesCaptured() int64 { return c.bytes.Load() }

// Stop ends the stream and closes Chunks. It is safe to call repeatedly.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.done)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	c.inflight.Wait()
	close(c.chunks)
	return nil
}

// receive is called from the Pulse reader goroutine with a buffer it
// reuses, so the data is copied before it is queued.
func (c *Capture) receive(buf []byte) (int, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	if len(buf) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), buf...)
	select {
	case c.chunks <- chunk:
		c.bytes.Add(int64(len(chunk)))
		return len(buf), nil
	case <-c.done:
		return 0, io.EOF
	}
}

type pcmSink func([]byte) (int, error)

func (f pcmSink) Write(b []byte) (int, error) { return f(b) }
