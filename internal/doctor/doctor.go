// Package doctor runs readiness diagnostics for config, engine, model cache,
// clipboard, audio, and the optional bus and collector endpoints.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rbright/murmur/internal/audio"
	"github.com/rbright/murmur/internal/bus"
	"github.com/rbright/murmur/internal/config"
	"github.com/rbright/murmur/internal/engine"
	"github.com/rbright/murmur/internal/models"
	"github.com/rbright/murmur/internal/output"
)

const probeTimeout = 2 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", status, check.Name, check.Message)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes every check for a loaded config.
func Run(ctx context.Context, loaded config.Loaded) Report {
	cfg := loaded.Config
	message := fmt.Sprintf("loaded %q", loaded.Path)
	if n := len(loaded.Warnings); n > 0 {
		message += fmt.Sprintf(" with %d warning(s)", n)
	}
	checks := []Check{{Name: "config", Pass: true, Message: message}}

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "session socket directory available", "XDG_RUNTIME_DIR is empty; toggle/stop/cancel cannot reach a session"))

	checks = append(checks, checkEngine(cfg.Engine))
	checks = append(checks, checkModel(cfg.Model))

	root, rootCheck := checkCacheDir(cfg.Model.CacheDir)
	checks = append(checks, rootCheck)
	if rootCheck.Pass {
		checks = append(checks, checkModelCached(root, cfg.Model))
	}

	checks = append(checks, checkClipboard(cfg.Output))
	checks = append(checks, checkAudioSelection(ctx, cfg.Audio))

	if strings.TrimSpace(cfg.Bus.URL) != "" {
		checks = append(checks, checkBus(ctx, cfg.Bus))
	}
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		checks = append(checks, checkCollector(ctx, endpoint, cfg.Telemetry.OTLPInsecure, probeTimeout))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

func checkEngine(cfg config.EngineConfig) Check {
	factory, err := engine.NewExecFactory(cfg.Command, nil)
	if err != nil {
		return Check{Name: "engine.command", Pass: false, Message: err.Error()}
	}
	return checkCommand(factory.Argv(), "engine.command")
}

func checkModel(cfg config.ModelConfig) Check {
	if !models.Known(cfg.Name) {
		return Check{Name: "model", Pass: false, Message: fmt.Sprintf("unknown model %q", cfg.Name)}
	}
	options := models.QuantizationOptions(cfg.Name, cfg.Device, cfg.SupportedQuantizations)
	if !slices.Contains(options, cfg.Quantization) {
		return Check{
			Name:    "model",
			Pass:    false,
			Message: fmt.Sprintf("%s does not offer %s on %s (choose from %s)", cfg.Name, cfg.Quantization, cfg.Device, strings.Join(options, ", ")),
		}
	}
	return Check{Name: "model", Pass: true, Message: fmt.Sprintf("%s (%s) on %s", cfg.Name, cfg.Quantization, cfg.Device)}
}

// checkCacheDir resolves the artifact cache root and verifies it is writable.
func checkCacheDir(configured string) (string, Check) {
	root := strings.TrimSpace(configured)
	if root == "" {
		resolved, err := models.DefaultCacheRoot()
		if err != nil {
			return "", Check{Name: "model.cache_dir", Pass: false, Message: err.Error()}
		}
		root = resolved
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return root, Check{Name: "model.cache_dir", Pass: false, Message: fmt.Sprintf("create %s: %v", root, err)}
	}
	probe, err := os.CreateTemp(root, ".murmur-doctor-*")
	if err != nil {
		return root, Check{Name: "model.cache_dir", Pass: false, Message: fmt.Sprintf("%s is not writable: %v", root, err)}
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return root, Check{Name: "model.cache_dir", Pass: true, Message: fmt.Sprintf("writable at %s", root)}
}

// checkModelCached reports whether the configured model is already local.
// A missing model is not a failure; it downloads on first load.
func checkModelCached(root string, cfg config.ModelConfig) Check {
	repoID := models.RepositoryID(cfg.Name, cfg.Quantization)
	resolver := models.NewResolver(models.NewCache(root), nil, nil)
	dir, ok := resolver.CheckCached(repoID)
	if !ok {
		return Check{Name: "model.cached", Pass: true, Message: fmt.Sprintf("%s not cached; it will download on first load", repoID)}
	}
	if !models.ValidSnapshot(dir) {
		return Check{Name: "model.cached", Pass: false, Message: fmt.Sprintf("snapshot %s is missing readable weights", dir)}
	}
	return Check{Name: "model.cached", Pass: true, Message: fmt.Sprintf("%s (%s)", dir, humanize.Bytes(uint64(models.SnapshotSize(dir))))}
}

func checkClipboard(cfg config.OutputConfig) Check {
	committer, err := output.NewCommitter(cfg, nil)
	if err != nil {
		return Check{Name: "output.clipboard", Pass: false, Message: err.Error()}
	}
	switch backend := committer.Backend(); backend {
	case "":
		return Check{Name: "output.clipboard", Pass: false, Message: "no clipboard_cmd and no xclip, xsel, or wl-clipboard found"}
	case "system":
		return Check{Name: "output.clipboard", Pass: true, Message: "using the system clipboard"}
	default:
		return checkBinary(backend, "output.clipboard_cmd is available")
	}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.AudioConfig) Check {
	selection, err := audio.SelectDevice(ctx, cfg.Input, cfg.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

func checkBus(ctx context.Context, cfg config.BusConfig) Check {
	publisher, err := bus.Connect(ctx, cfg, nil)
	if err != nil {
		return Check{Name: "bus", Pass: false, Message: err.Error()}
	}
	defer publisher.Close()
	return Check{Name: "bus", Pass: true, Message: fmt.Sprintf("connected to %s", cfg.URL)}
}
