package output

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbright/murmur/internal/config"
	"github.com/stretchr/testify/require"
)

func TestRunCommandWithInputWritesStdin(t *testing.T) {
	scriptPath := writeStdinCaptureScript(t)
	outputPath := filepath.Join(t.TempDir(), "stdin.txt")

	err := runCommandWithInput(context.Background(), []string{scriptPath, outputPath}, "hello from murmur")
	require.NoError(t, err)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.Equal(t, "hello from murmur", string(data))
}

func TestRunCommandWithInputRejectsEmptyArgv(t *testing.T) {
	err := runCommandWithInput(context.Background(), nil, "payload")
	require.ErrorContains(t, err, "argv cannot be empty")
}

func commandCommitter(t *testing.T, cfg config.OutputConfig) (*Committer, string) {
	t.Helper()
	clipboardPath := filepath.Join(t.TempDir(), "clipboard.txt")
	cfg.ClipboardCmd = writeStdinCaptureScript(t) + " " + clipboardPath

	committer, err := NewCommitter(cfg, nil)
	require.NoError(t, err)
	return committer, clipboardPath
}

func TestCommitWritesClipboardCommand(t *testing.T) {
	committer, clipboardPath := commandCommitter(t, config.OutputConfig{})
	require.NoError(t, committer.Commit(context.Background(), "captured transcript"))

	data, err := os.ReadFile(clipboardPath)
	require.NoError(t, err)
	require.Equal(t, "captured transcript", string(data))
}

func TestCommitTrailingSpace(t *testing.T) {
	committer, clipboardPath := commandCommitter(t, config.OutputConfig{TrailingSpace: true})
	require.NoError(t, committer.Commit(context.Background(), "next sentence"))

	data, err := os.ReadFile(clipboardPath)
	require.NoError(t, err)
	require.Equal(t, "next sentence ", string(data))
}

func TestCommitSkipsEmptyTranscript(t *testing.T) {
	committer, clipboardPath := commandCommitter(t, config.OutputConfig{})
	require.NoError(t, committer.Commit(context.Background(), "  \n"))

	_, err := os.Stat(clipboardPath)
	require.True(t, os.IsNotExist(err))
}

func TestCommitReturnsErrorWhenClipboardCommandFails(t *testing.T) {
	committer, err := NewCommitter(config.OutputConfig{ClipboardCmd: writeFailScript(t, "clipboard failed")}, nil)
	require.NoError(t, err)

	err = committer.Commit(context.Background(), "captured transcript")
	require.ErrorContains(t, err, "set clipboard")
	require.ErrorContains(t, err, "clipboard failed")
}

func TestNewCommitterRejectsBadCommand(t *testing.T) {
	_, err := NewCommitter(config.OutputConfig{ClipboardCmd: `wl-copy "unterminated`}, nil)
	require.Error(t, err)
}

func TestCommitAppendsToSystemClipboard(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		readErr  error
		want     string
	}{
		{name: "empty clipboard", existing: "", want: "new words"},
		{name: "separating space", existing: "old words", want: "old words new words"},
		{name: "existing whitespace", existing: "old words\n", want: "old words\nnew words"},
		{name: "read failure replaces", existing: "ignored", readErr: errors.New("no clipboard"), want: "new words"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			committer, err := NewCommitter(config.OutputConfig{Append: true}, nil)
			require.NoError(t, err)

			var written string
			committer.read = func() (string, error) { return tc.existing, tc.readErr }
			committer.write = func(text string) error {
				written = text
				return nil
			}

			require.NoError(t, committer.Commit(context.Background(), "new words"))
			require.Equal(t, tc.want, written)
		})
	}
}

func TestCommitSystemClipboardFailure(t *testing.T) {
	committer, err := NewCommitter(config.OutputConfig{}, nil)
	require.NoError(t, err)
	committer.write = func(string) error { return errors.New("no clipboard utilities available") }

	err = committer.Commit(context.Background(), "text")
	require.ErrorContains(t, err, "set clipboard")
}

func TestBackend(t *testing.T) {
	committer, err := NewCommitter(config.OutputConfig{ClipboardCmd: "wl-copy --trim-newline"}, nil)
	require.NoError(t, err)
	require.Equal(t, "wl-copy", committer.Backend())
}

func writeStdinCaptureScript(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "capture-stdin.sh")
	script := "#!/bin/sh\ncat > \"$1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFailScript(t *testing.T, message string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fail.sh")
	script := "#!/bin/sh\necho \"" + message + "\" >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
