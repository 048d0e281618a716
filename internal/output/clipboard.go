// Package output delivers committed transcripts to the clipboard.
package output

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-shellwords"

	"github.com/rbright/murmur/internal/config"
)

const clipboardTimeout = 2 * time.Second

// Committer writes transcripts to the clipboard. With append enabled, the
// transcript is added after whatever the clipboard already holds.
type Committer struct {
	argv          []string
	appendMode    bool
	trailingSpace bool
	logger        *slog.Logger

	read  func() (string, error)
	write func(string) error
}

// NewCommitter parses the clipboard command. An empty command uses the
// system clipboard through xclip, xsel, or wl-clipboard.
func NewCommitter(cfg config.OutputConfig, logger *slog.Logger) (*Committer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var argv []string
	if strings.TrimSpace(cfg.ClipboardCmd) != "" {
		parsed, err := shellwords.Parse(cfg.ClipboardCmd)
		if err != nil {
			return nil, fmt.Errorf("parse output.clipboard_cmd: %w", err)
		}
		argv = parsed
	}
	return &Committer{
		argv:          argv,
		appendMode:    cfg.Append,
		trailingSpace: cfg.TrailingSpace,
		logger:        logger,
		read:          clipboard.ReadAll,
		write:         clipboard.WriteAll,
	}, nil
}

// Backend names the clipboard mechanism in use.
func (c *Committer) Backend() string {
	if len(c.argv) > 0 {
		return c.argv[0]
	}
	if clipboard.Unsupported {
		return ""
	}
	return "system"
}

// Commit writes transcript to the clipboard. Empty transcripts are ignored.
func (c *Committer) Commit(ctx context.Context, transcript string) error {
	if strings.TrimSpace(transcript) == "" {
		return nil
	}
	text := transcript
	if c.trailingSpace && !strings.HasSuffix(text, " ") {
		text += " "
	}

	if c.appendMode {
		existing, err := c.read()
		if err != nil {
			c.logger.Debug("clipboard read failed; replacing instead of appending", "error", err.Error())
		} else {
			text = joinClipboard(existing, text)
		}
	}

	if len(c.argv) == 0 {
		if err := c.write(text); err != nil {
			return fmt.Errorf("set clipboard: %w", err)
		}
		return nil
	}

	clipboardCtx, cancel := context.WithTimeout(ctx, clipboardTimeout)
	defer cancel()
	if err := runCommandWithInput(clipboardCtx, c.argv, text); err != nil {
		return fmt.Errorf("set clipboard: %w", err)
	}
	return nil
}

// joinClipboard appends text to existing with a single separating space.
func joinClipboard(existing, text string) string {
	if existing == "" {
		return text
	}
	last := []rune(existing)[len([]rune(existing))-1]
	if unicode.IsSpace(last) {
		return existing + text
	}
	return existing + " " + text
}

// runCommandWithInput executes argv and writes input to stdin.
func runCommandWithInput(ctx context.Context, argv []string, input string) error {
	if len(argv) == 0 {
		return fmt.Errorf("command argv cannot be empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(input)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
			return fmt.Errorf("run %s: %w (%s)", argv[0], err, trimmed)
		}
		return fmt.Errorf("run %s: %w", argv[0], err)
	}
	return nil
}
