package indicator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/events"
	"github.com/stretchr/testify/require"
)

func installBusctlStub(t *testing.T) string {
	t.Helper()

	argsFile := filepath.Join(t.TempDir(), "busctl-args.log")
	t.Setenv("BUSCTL_ARGS_FILE", argsFile)

	dir := t.TempDir()
	script := `#!/bin/sh
printf '%s\n' "$*" >> "$BUSCTL_ARGS_FILE"
case "$*" in
  *" Notify "*) echo "u 7" ;;
esac
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "busctl"), []byte(script), 0o755))
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
	return argsFile
}

func readCalls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func quietConfig() config.IndicatorConfig {
	cfg := config.Default().Indicator
	cfg.SoundEnable = false
	return cfg
}

func TestNotifierDispatchesAndReplaces(t *testing.T) {
	argsFile := installBusctlStub(t)

	n := New(quietConfig(), nil)
	n.ShowRecording(context.Background())
	n.ShowTranscribing(context.Background())
	n.ShowError(context.Background(), "")
	n.Hide(context.Background())

	calls := readCalls(t, argsFile)
	require.Len(t, calls, 4)
	require.Contains(t, calls[0], "Notify susssasa{sv}i murmur 0 audio-input-microphone Recording…")
	require.True(t, strings.HasSuffix(calls[0], "urgency y 1 300000"))
	require.Contains(t, calls[1], "Notify susssasa{sv}i murmur 7 audio-input-microphone Transcribing…")
	require.Contains(t, calls[2], "Speech recognition error")
	require.True(t, strings.HasSuffix(calls[2], "urgency y 2 1600"))
	require.True(t, strings.HasSuffix(calls[3], "CloseNotification u 7"))
}

func TestNotifierErrorTimeoutFallback(t *testing.T) {
	argsFile := installBusctlStub(t)

	cfg := quietConfig()
	cfg.ErrorTimeoutMS = 0
	New(cfg, nil).ShowError(context.Background(), "custom error")

	calls := readCalls(t, argsFile)
	require.Len(t, calls, 1)
	require.Contains(t, calls[0], "custom error")
	require.True(t, strings.HasSuffix(calls[0], " 1200"))
}

func TestNotifierDisabledSkipsDispatch(t *testing.T) {
	argsFile := installBusctlStub(t)

	cfg := quietConfig()
	cfg.Enable = false
	n := New(cfg, nil)
	n.ShowRecording(context.Background())
	n.ShowError(context.Background(), "ignored")
	n.HandleEvent(context.Background(), events.Event{Source: events.SourceModel, Kind: events.KindLoaded, Model: "base.en"})
	n.Hide(context.Background())

	require.Empty(t, readCalls(t, argsFile))
}

func TestNotifierHideWithoutNotificationIsNoop(t *testing.T) {
	argsFile := installBusctlStub(t)
	New(quietConfig(), nil).Hide(context.Background())
	require.Empty(t, readCalls(t, argsFile))
}

func TestNotifierRendersModelEvents(t *testing.T) {
	argsFile := installBusctlStub(t)
	n := New(quietConfig(), nil)

	model := func(kind events.Kind, downloaded, total int64) events.Event {
		return events.Event{
			Source:       events.SourceModel,
			Kind:         kind,
			Model:        "small.en",
			Quantization: "int8",
			Downloaded:   downloaded,
			Total:        total,
		}
	}

	in := make(chan events.Event, 16)
	in <- model(events.KindLoadingQueued, 0, 0)
	in <- model(events.KindDownloadStarted, 0, 1000)
	in <- model(events.KindDownloadProgress, 50, 1000)  // same 0% step
	in <- model(events.KindDownloadProgress, 150, 1000) // 10%
	in <- model(events.KindDownloadProgress, 190, 1000) // still 10%
	in <- model(events.KindDownloadProgress, 1000, 1000)
	in <- events.Event{Source: events.SourceTranscription, Kind: events.KindCompleted}
	in <- model(events.KindLoaded, 0, 0)
	close(in)
	n.Watch(context.Background(), in)

	calls := readCalls(t, argsFile)
	require.Len(t, calls, 5)
	require.Contains(t, calls[0], "Loading small.en (int8)…")
	require.Contains(t, calls[1], "Downloading small.en (int8): 0 B of 1.0 kB")
	require.Contains(t, calls[2], "Downloading small.en (int8): 150 B of 1.0 kB")
	require.Contains(t, calls[3], "Downloading small.en (int8): 1.0 kB of 1.0 kB")
	require.Contains(t, calls[4], "small.en (int8) ready")
	require.True(t, strings.HasSuffix(calls[4], "urgency y 0 1500"))
}

func TestNotifierModelErrorShowsMessage(t *testing.T) {
	argsFile := installBusctlStub(t)
	n := New(quietConfig(), nil)

	n.HandleEvent(context.Background(), events.Event{
		Source:  events.SourceModel,
		Kind:    events.KindError,
		Message: "Error loading model: boom",
	})

	calls := readCalls(t, argsFile)
	require.Len(t, calls, 1)
	require.Contains(t, calls[0], "Error loading model: boom")
}
