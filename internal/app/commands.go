package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rbright/murmur/internal/audio"
	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/doctor"
	"github.com/rbright/murmur/internal/engine"
	"github.com/rbright/murmur/internal/events"
	"github.com/rbright/murmur/internal/history"
	"github.com/rbright/murmur/internal/models"
	"github.com/rbright/murmur/internal/session"
)

const progressInterval = 500 * time.Millisecond

func (inv *invocation) transcribeCommand() *cobra.Command {
	var task, model, quantization, device string
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file and print the text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inv.transcribeFile(cmd.Context(), args[0], task, model, quantization, device)
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "transcribe or translate (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name (default from config)")
	cmd.Flags().StringVarP(&quantization, "quantization", "q", "", "compute type (default from config)")
	cmd.Flags().StringVarP(&device, "device", "d", "", "cpu or cuda (default from config)")
	return cmd
}

// transcribeFile loads a model in this process and runs one job against a
// file the user owns. The file is never deleted.
func (inv *invocation) transcribeFile(ctx context.Context, path, task, model, quantization, device string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("audio file: %w", err)
	}

	cfg := inv.loaded.Config
	task = strings.ToLower(firstNonEmpty(task, cfg.Transcription.Task))
	if task != config.TaskTranscribe && task != config.TaskTranslate {
		return fmt.Errorf("invalid task %q", task)
	}
	if task == config.TaskTranslate && !models.SupportsTranslation(firstNonEmpty(model, cfg.Model.Name)) {
		return fmt.Errorf("model %q cannot translate", firstNonEmpty(model, cfg.Model.Name))
	}

	app, err := NewApp(ctx, inv.loaded, Options{Logger: inv.logger})
	if err != nil {
		return err
	}
	defer app.Close()

	// Subscribe before loading so the loaded event is seen.
	transcriber := app.Transcriber(engine.Task(task), true)
	defer transcriber.Close()

	sink := events.NewChanSink(0)
	progressCtx, stopProgress := context.WithCancel(ctx)
	unsubscribe := app.Subscribe(sink)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		inv.reportLoad(progressCtx, sink.Events())
	}()
	defer func() {
		unsubscribe()
		stopProgress()
		<-progressDone
	}()

	if _, err := app.RequestLoad(model, quantization, device); err != nil {
		return err
	}

	rec := session.Recording{Path: abs}
	if d, err := audio.ProbeDuration(abs); err == nil {
		rec.Duration = d
	}
	out, err := transcriber.Transcribe(ctx, rec)
	if err != nil {
		return err
	}
	app.Record(ctx, out)

	inv.logger.Info("file transcribed",
		"path", abs,
		"model", out.Model,
		"job_id", out.JobID,
		"audio_ms", out.Audio.Milliseconds(),
		"inference_ms", out.Elapsed.Milliseconds(),
	)
	fmt.Fprintln(inv.Stdout, out.Text)
	return nil
}

// reportLoad prints model download progress to stderr. Events still
// buffered when ctx ends are printed before it returns.
func (inv *invocation) reportLoad(ctx context.Context, in <-chan events.Event) {
	var last time.Time
	show := func(ev events.Event) {
		if ev.Source != events.SourceModel {
			return
		}
		switch ev.Kind {
		case events.KindDownloadStarted:
			fmt.Fprintf(inv.Stderr, "downloading %s (%s)\n", ev.Model, humanize.Bytes(uint64(ev.Total)))
		case events.KindDownloadProgress:
			if time.Since(last) >= progressInterval {
				last = time.Now()
				fmt.Fprintf(inv.Stderr, "  %s / %s\n", humanize.Bytes(uint64(ev.Downloaded)), humanize.Bytes(uint64(ev.Total)))
			}
		case events.KindError:
			fmt.Fprintf(inv.Stderr, "model load failed: %s\n", ev.Message)
		}
	}
	for {
		select {
		case ev := <-in:
			show(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-in:
					show(ev)
				default:
					return
				}
			}
		}
	}
}

func (inv *invocation) modelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models and whether they are cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := inv.loaded.Config
			resolver, err := newResolver(cfg.Model, inv.logger)
			if err != nil {
				return err
			}
			for _, name := range models.Names() {
				quantization := preferredQuantization(name, cfg.Model)
				mark := " "
				if name == cfg.Model.Name {
					mark = "*"
				}
				cached := "-"
				if dir, ok := resolver.CheckCached(models.RepositoryID(name, quantization)); ok {
					cached = "cached " + humanize.Bytes(uint64(models.SnapshotSize(dir)))
				}
				translate := "no"
				if models.SupportsTranslation(name) {
					translate = "yes"
				}
				fmt.Fprintf(inv.Stdout, "%s %-26s %-14s translate=%-3s %s\n", mark, name, quantization, translate, cached)
			}
			return nil
		},
	}
}

// preferredQuantization keeps the configured quantization when the model
// offers it on the configured device.
func preferredQuantization(name string, cfg config.ModelConfig) string {
	options := models.QuantizationOptions(name, cfg.Device, cfg.SupportedQuantizations)
	if len(options) == 0 || slices.Contains(options, cfg.Quantization) {
		return cfg.Quantization
	}
	return options[0]
}

func (inv *invocation) downloadCommand() *cobra.Command {
	var quantization string
	cmd := &cobra.Command{
		Use:   "download <model>",
		Short: "Fetch model artifacts into the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inv.download(cmd.Context(), args[0], quantization)
		},
	}
	cmd.Flags().StringVarP(&quantization, "quantization", "q", "", "compute type (default from config)")
	return cmd
}

func (inv *invocation) download(ctx context.Context, name, quantization string) error {
	cfg := inv.loaded.Config
	if !models.Known(name) {
		return fmt.Errorf("unknown model %q (see `murmur models`)", name)
	}
	if quantization == "" {
		quantization = preferredQuantization(name, cfg.Model)
	}
	if !models.ValidQuantization(quantization) {
		return fmt.Errorf("invalid quantization %q", quantization)
	}

	resolver, err := newResolver(cfg.Model, inv.logger)
	if err != nil {
		return err
	}
	repoID := models.RepositoryID(name, quantization)

	listing, err := resolver.ListRemoteFiles(ctx, repoID)
	if err != nil {
		if models.IsNetworkError(err) {
			return fmt.Errorf("cannot reach the model hub: %w", err)
		}
		return fmt.Errorf("get model info for %s: %w", repoID, err)
	}
	dir, missing := resolver.DiffMissing(repoID, listing)
	if len(missing) == 0 {
		if dir == "" {
			dir, _ = resolver.CheckCached(repoID)
		}
		fmt.Fprintf(inv.Stdout, "%s already cached at %s\n", repoID, dir)
		return nil
	}

	plan := models.Plan{RepoID: repoID, Revision: listing.Revision, Files: missing}
	fmt.Fprintf(inv.Stderr, "downloading %s: %d files, %s\n", repoID, len(missing), humanize.Bytes(uint64(plan.TotalBytes())))
	var last time.Time
	path, err := resolver.Download(ctx, plan, func(downloaded, total int64) {
		if downloaded < total && time.Since(last) < progressInterval {
			return
		}
		last = time.Now()
		fmt.Fprintf(inv.Stderr, "  %s / %s\n", humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)))
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(inv.Stdout, "downloaded %s to %s\n", repoID, path)
	return nil
}

func (inv *invocation) devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := audio.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(inv.Stdout, "no audio devices found")
				return &exitError{code: 1}
			}
			for _, device := range devices {
				defaultMark := " "
				if device.Default {
					defaultMark = "*"
				}
				fmt.Fprintf(inv.Stdout,
					"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
					defaultMark,
					device.ID,
					device.Description,
					device.State,
					yesNo(device.Available),
					yesNo(device.Muted),
				)
			}
			return nil
		},
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (inv *invocation) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transcripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := inv.loaded.Config.History
			if !cfg.Enable {
				return errors.New("history is disabled (history.enable: false)")
			}
			store := openHistory(cmd.Context(), cfg, inv.logger)
			if store == nil {
				return errors.New("history database unavailable; see the log for details")
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(inv.Stdout, "no transcripts yet")
				return nil
			}
			for _, e := range entries {
				inv.printEntry(e)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

const historyPreview = 80

func (inv *invocation) printEntry(e history.Entry) {
	text := strings.Join(strings.Fields(e.Text), " ")
	if utf8.RuneCountInString(text) > historyPreview {
		runes := []rune(text)
		text = string(runes[:historyPreview-3]) + "..."
	}
	fmt.Fprintf(inv.Stdout, "%s  %-10s %6s  %s\n",
		humanize.Time(e.CreatedAt),
		e.Model,
		e.Duration.Round(100*time.Millisecond),
		text,
	)
}

func (inv *invocation) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change persisted settings",
	}
	keys := strings.Join([]string{config.KeyModelName, config.KeyQuantization, config.KeyDevice, config.KeyTaskMode}, ", ")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a setting (" + keys + ")",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store := config.NewStore(inv.loaded.Path, inv.loaded.Config)
				value, err := store.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(inv.Stdout, value)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change a setting and save the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store := config.NewStore(inv.loaded.Path, inv.loaded.Config)
				if err := store.Set(args[0], args[1]); err != nil {
					return err
				}
				if err := store.Save(); err != nil {
					return err
				}
				fmt.Fprintf(inv.Stdout, "saved %s\n", store.Path())
				return nil
			},
		},
	)
	return cmd
}

func (inv *invocation) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, engine, model cache, clipboard, and audio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := doctor.Run(cmd.Context(), inv.loaded)
			fmt.Fprintln(inv.Stdout, report.String())
			if !report.OK() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}
