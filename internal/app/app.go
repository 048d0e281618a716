// Package app builds the murmur command tree and wires each command to the
// runtime it needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/ipc"
	"github.com/rbright/murmur/internal/logging"
	"github.com/rbright/murmur/internal/session"
	"github.com/rbright/murmur/internal/version"
)

const (
	forwardTimeout = 220 * time.Millisecond
	probeTimeout   = 180 * time.Millisecond
	acquireRetries = 8

	annotationBare = "murmur/bare"
)

var errNoSession = errors.New("no active murmur session")

// Runner executes one murmur invocation against the given streams.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Execute runs args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

// exitError ends a command with code once the command has printed its own
// output.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// invocation is the state shared by the commands of one Execute call.
type invocation struct {
	Runner

	configPath string
	logLevel   string
	verbose    bool

	// started is set once argument parsing succeeded and a command began.
	started bool
	loaded  config.Loaded
	logger  *slog.Logger
	logs    logging.Runtime
}

// Execute runs args. Usage errors exit 2, runtime failures exit 1.
func (r Runner) Execute(ctx context.Context, args []string) int {
	inv := &invocation{Runner: r}
	defer func() { _ = inv.logs.Close() }()

	root := inv.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.Stdout)
	root.SetErr(r.Stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(r.Stderr, "error: %v\n", err)
	if inv.started {
		if inv.logger != nil {
			inv.logger.Error("command failed", "error", err.Error())
		}
		return 1
	}
	if cmd == nil {
		cmd = root
	}
	fmt.Fprintf(r.Stderr, "\n%s", cmd.UsageString())
	return 2
}

func (inv *invocation) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "murmur",
		Short: "Local speech-to-text dictation",
		Long: "murmur records from the microphone, transcribes locally with a Whisper-family\n" +
			"model, and copies the result to the clipboard. Bind `murmur toggle` to a key.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			inv.started = true
			if cmd.Annotations[annotationBare] != "" || cmd.Name() == "help" {
				return nil
			}
			return inv.setup(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&inv.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/murmur/config.yaml)")
	flags.StringVar(&inv.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.BoolVarP(&inv.verbose, "verbose", "v", false, "mirror log records to stderr")

	root.AddCommand(
		inv.toggleCommand(),
		inv.forwardCommand(ipc.CommandStop, "Stop recording and transcribe"),
		inv.forwardCommand(ipc.CommandCancel, "Cancel recording or the running transcription"),
		inv.statusCommand(),
		inv.loadCommand(),
		inv.transcribeCommand(),
		inv.modelsCommand(),
		inv.downloadCommand(),
		inv.devicesCommand(),
		inv.historyCommand(),
		inv.configCommand(),
		inv.doctorCommand(),
		inv.versionCommand(),
	)
	return root
}

// setup opens the log, then loads config. Config validation warnings are
// printed; a missing config file is only logged.
func (inv *invocation) setup(cmd *cobra.Command) error {
	var mirror io.Writer
	if inv.verbose {
		mirror = inv.Stderr
	}
	logs, err := logging.New(logging.Options{Level: inv.logLevel, Stderr: mirror})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	inv.logs = logs
	inv.logger = logs.Logger
	if inv.Logger != nil {
		inv.logger = inv.Logger
	}

	loaded, err := config.Load(inv.configPath)
	if err != nil {
		inv.logger.Error("load config failed", "error", err.Error())
		return err
	}
	if inv.logLevel == "" && logs.Level != nil {
		if level, err := logging.ParseLevel(loaded.Config.LogLevel); err == nil {
			logs.Level.Set(level)
		}
	}
	for _, w := range loaded.Warnings {
		inv.logger.Warn("config warning", "field", w.Field, "message", w.Message)
		if w.Field != "" {
			fmt.Fprintf(inv.Stderr, "warning: %s: %s\n", w.Field, w.Message)
		}
	}
	inv.loaded = loaded

	inv.logger.Info("command start",
		"command", cmd.CommandPath(),
		"config", loaded.Path,
		"log", logs.Path,
	)
	return nil
}

func (inv *invocation) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationBare: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(inv.Stdout, version.String())
			return nil
		},
	}
}

// forward sends req to the session owner and prints its message. handled
// is false when no owner is listening.
func (inv *invocation) forward(ctx context.Context, socketPath string, req ipc.Request) (bool, error) {
	resp, handled, err := ipc.Forward(ctx, socketPath, req, forwardTimeout)
	if !handled || err != nil {
		return handled, err
	}
	if resp.Message != "" {
		fmt.Fprintln(inv.Stdout, resp.Message)
	}
	return true, nil
}

func (inv *invocation) forwardCommand(command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return inv.forwardOrFail(cmd.Context(), ipc.Request{Command: command})
		},
	}
}

func (inv *invocation) forwardOrFail(ctx context.Context, req ipc.Request) error {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return err
	}
	handled, err := inv.forward(ctx, socketPath, req)
	if !handled {
		return errNoSession
	}
	return err
}

func (inv *invocation) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the session state and loaded model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			socketPath, err := ipc.RuntimeSocketPath()
			if err != nil {
				fmt.Fprintln(inv.Stdout, "idle")
				return nil
			}
			resp, handled, err := ipc.Forward(cmd.Context(), socketPath, ipc.Request{Command: ipc.CommandStatus}, forwardTimeout)
			if !handled {
				fmt.Fprintln(inv.Stdout, "idle")
				return nil
			}
			if err != nil {
				return err
			}
			if resp.State == "" {
				resp.State = "idle"
			}
			fmt.Fprintln(inv.Stdout, resp.State)
			if m := resp.Model; m != nil {
				if m.Name != "" {
					fmt.Fprintf(inv.Stdout, "model: %s (%s, %s)\n", m.Name, m.Quantization, m.Device)
				}
				if m.Loading != "" {
					fmt.Fprintf(inv.Stdout, "loading: %s (%s)\n", m.Loading, m.LoadState)
				}
			}
			return nil
		},
	}
}

func (inv *invocation) loadCommand() *cobra.Command {
	var quantization, device string
	cmd := &cobra.Command{
		Use:   "load [model]",
		Short: "Switch the running session to another model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.Request{Command: ipc.CommandLoad, Quantization: quantization, Device: device}
			if len(args) == 1 {
				req.Model = args[0]
			}
			return inv.forwardOrFail(cmd.Context(), req)
		},
	}
	cmd.Flags().StringVarP(&quantization, "quantization", "q", "", "compute type (default from config)")
	cmd.Flags().StringVarP(&device, "device", "d", "", "cpu or cuda (default from config)")
	return cmd
}

func logSessionResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	fields := []any{
		"state", result.State,
		"cancelled", result.Cancelled,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		"audio_device", result.AudioDevice,
		"bytes_captured", result.BytesCaptured,
		"transcript_length", len(result.Transcript.Text),
		"model", result.Transcript.Model,
		"job_id", result.Transcript.JobID,
		"inference_ms", result.Transcript.Elapsed.Milliseconds(),
	}

	if result.Err != nil {
		logger.Error("session failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("session complete", fields...)
}
