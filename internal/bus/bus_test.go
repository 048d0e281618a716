package bus

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/events"
)

type published struct {
	subject string
	data    []byte
}

func TestHandleForwardsOnlyOutcomes(t *testing.T) {
	var got []published
	p := newPublisher("desk.murmur.", nil, func(subject string, data []byte) error {
		got = append(got, published{subject: subject, data: data})
		return nil
	})

	p.Handle(events.Event{Source: events.SourceModel, Kind: events.KindLoadingQueued, Token: "t1"})
	p.Handle(events.Event{Source: events.SourceModel, Kind: events.KindDownloadProgress, Token: "t1"})
	p.Handle(events.Event{Source: events.SourceModel, Kind: events.KindLoaded, Token: "t1", Model: "base.en", Quantization: "int8", Device: "cpu"})
	p.Handle(events.Event{Source: events.SourceTranscription, Kind: events.KindStarted, JobID: "j1"})
	p.Handle(events.Event{Source: events.SourceTranscription, Kind: events.KindProgress, JobID: "j1"})
	p.Handle(events.Event{Source: events.SourceTranscription, Kind: events.KindCompleted, JobID: "j1", Text: "hello"})
	p.Handle(events.Event{Source: events.SourceTranscription, Kind: events.KindFailed, JobID: "j2", Message: "boom"})
	p.Handle(events.Event{Source: events.SourceTranscription, Kind: events.KindCancelled, JobID: "j3"})

	require.Len(t, got, 4)
	require.Equal(t, "desk.murmur.model", got[0].subject)
	require.Equal(t, "desk.murmur.transcription", got[1].subject)

	var msg Message
	require.NoError(t, json.Unmarshal(got[1].data, &msg))
	require.Equal(t, "completed", msg.Kind)
	require.Equal(t, "j1", msg.JobID)
	require.Equal(t, "hello", msg.Text)

	sent, failed := p.Stats()
	require.Equal(t, int64(4), sent)
	require.Zero(t, failed)
}

func TestHandleCountsPublishFailures(t *testing.T) {
	p := newPublisher("", nil, func(string, []byte) error { return errors.New("nats: connection closed") })
	require.Equal(t, "murmur.transcription", p.Subject(events.SourceTranscription))

	p.Handle(events.Event{Source: events.SourceTranscription, Kind: events.KindCompleted, JobID: "j1"})
	sent, failed := p.Stats()
	require.Zero(t, sent)
	require.Equal(t, int64(1), failed)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(t.Context(), config.BusConfig{}, nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestPublisherDeliversToSubscribers(t *testing.T) {
	ns := startServer(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("murmur.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := Connect(t.Context(), config.BusConfig{URL: ns.ClientURL(), SubjectPrefix: "murmur", ConnectTimeoutMS: 1000}, nil)
	require.NoError(t, err)
	require.True(t, p.Healthy())

	p.Handle(events.Event{Seq: 7, Source: events.SourceTranscription, Kind: events.KindCompleted, JobID: "j1", Text: "ship it"})
	p.Close()
	require.False(t, p.Healthy())

	select {
	case msg := <-msgs:
		require.Equal(t, "murmur.transcription", msg.Subject)
		var body Message
		require.NoError(t, json.Unmarshal(msg.Data, &body))
		require.Equal(t, int64(7), body.Seq)
		require.Equal(t, "ship it", body.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}
