package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rbright/murmur/internal/engine"
	"github.com/rbright/murmur/internal/events"
	"github.com/rbright/murmur/internal/indicator"
	"github.com/rbright/murmur/internal/ipc"
	"github.com/rbright/murmur/internal/output"
	"github.com/rbright/murmur/internal/pipeline"
	"github.com/rbright/murmur/internal/session"
)

func (inv *invocation) toggleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Start dictation, or stop the running one",
		Long: "toggle forwards to the running session when there is one. Otherwise this\n" +
			"process becomes the session owner: it loads the configured model, records\n" +
			"until stopped, transcribes, and copies the text to the clipboard.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return inv.toggle(cmd.Context())
		},
	}
}

func (inv *invocation) toggle(ctx context.Context) error {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return err
	}
	toggle := ipc.Request{Command: ipc.CommandToggle}

	if handled, err := inv.forward(ctx, socketPath, toggle); handled {
		return err
	}

	listener, err := ipc.Acquire(ctx, socketPath, probeTimeout, acquireRetries, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			_, err = inv.forward(ctx, socketPath, toggle)
		}
		return err
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	return inv.own(ctx, listener)
}

// own runs one dictation session, serving IPC on listener until it ends.
func (inv *invocation) own(ctx context.Context, listener net.Listener) error {
	cfg := inv.loaded.Config
	logger := inv.logger

	committer, err := output.NewCommitter(cfg.Output, logger)
	if err != nil {
		return err
	}

	app, err := NewApp(ctx, inv.loaded, Options{Logger: logger, PersistModel: true})
	if err != nil {
		return err
	}
	defer app.Close()

	transcriber := app.Transcriber(engine.Task(cfg.Transcription.Task), false)
	defer transcriber.Close()

	// The model loads while the user speaks.
	if _, err := app.RequestLoad("", "", ""); err != nil {
		logger.Error("model preload rejected", "error", err.Error())
	}

	notifier := indicator.New(cfg.Indicator, logger)
	sink := events.NewChanSink(0)
	watchCtx, stopWatch := context.WithCancel(ctx)
	unsubscribe := app.Subscribe(sink)
	go notifier.Watch(watchCtx, sink.Events())
	defer func() {
		unsubscribe()
		stopWatch()
	}()

	recorder := pipeline.NewRecorder(cfg.Audio.Input, cfg.Audio.Fallback, app.Tracker(), logger)
	commit := session.CommitFunc(func(ctx context.Context, t session.Transcript) error {
		if err := committer.Commit(ctx, t.Text); err != nil {
			return err
		}
		app.Record(ctx, t)
		return nil
	})
	controller := session.NewController(logger, recorder, transcriber, commit, notifier)

	mux := ipc.NewMux(controller)
	mux.Route(ipc.CommandLoad, ipc.HandlerFunc(app.HandleLoad))
	mux.Route(ipc.CommandStatus, ipc.HandlerFunc(func(ctx context.Context, req ipc.Request) ipc.Response {
		resp := controller.Handle(ctx, req)
		resp.Model = app.ModelStatus()
		return resp
	}))

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- ipc.ServeWithLogger(serverCtx, listener, mux, logger)
	}()

	result := controller.Run(ctx)
	serverCancel()
	if err := <-serverErr; err != nil {
		return fmt.Errorf("ipc server failed: %w", err)
	}

	logSessionResult(logger, result)

	switch {
	case result.Cancelled:
		fmt.Fprintln(inv.Stdout, "cancelled")
		return nil
	case result.Err != nil:
		return result.Err
	}
	if text := strings.TrimSpace(result.Transcript.Text); text != "" {
		fmt.Fprintln(inv.Stdout, text)
	}
	return nil
}
