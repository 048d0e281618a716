package indicator

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jfreymuth/pulse"

	"github.com/rbright/murmur/internal/config"
)

type cue int

const (
	cueStart cue = iota + 1
	cueStop
	cueComplete
	cueCancel
)

const (
	cueRate   = 16000
	cueVolume = 0.18
	cueGap    = 22 * time.Millisecond
	// Fade in and out over at most 5ms to avoid clicks.
	maxRamp = cueRate / 200
)

type tone struct {
	hz  float64
	dur time.Duration
}

var cuePCM = map[cue][]int16{
	cueStart:    render(tone{880, 70 * time.Millisecond}, tone{1175, 70 * time.Millisecond}),
	cueStop:     render(tone{620, 120 * time.Millisecond}),
	cueComplete: render(tone{740, 65 * time.Millisecond}, tone{988, 90 * time.Millisecond}),
	cueCancel:   render(tone{480, 75 * time.Millisecond}, tone{360, 90 * time.Millisecond}),
}

// file returns the user's override for c, if any.
func (c cue) file(cfg config.IndicatorConfig) string {
	switch c {
	case cueStart:
		return expandHome(cfg.SoundStartFile)
	case cueStop:
		return expandHome(cfg.SoundStopFile)
	case cueComplete:
		return expandHome(cfg.SoundCompleteFile)
	case cueCancel:
		return expandHome(cfg.SoundCancelFile)
	}
	return ""
}

// emitCue plays the configured file for c and falls back to the built-in
// tones when there is none or it fails to play.
func emitCue(ctx context.Context, c cue, cfg config.IndicatorConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path := c.file(cfg); path != "" && playFile(ctx, path) == nil {
		return nil
	}
	if pcm := cuePCM[c]; len(pcm) > 0 {
		return playPCM(ctx, pcm)
	}
	return nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

func playFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cue file: %w", err)
	}
	if err := exec.CommandContext(ctx, "pw-play", "--media-role", "Notification", path).Run(); err != nil {
		return fmt.Errorf("play cue file %q: %w", path, err)
	}
	return nil
}

func playPCM(ctx context.Context, pcm []int16) error {
	client, err := pulse.NewClient(pulse.ClientApplicationName("murmur"))
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	rest := pcm
	stream, err := client.NewPlayback(
		pulse.Int16Reader(func(buf []int16) (int, error) {
			if ctx.Err() != nil || len(rest) == 0 {
				return 0, pulse.EndOfData
			}
			n := copy(buf, rest)
			rest = rest[n:]
			if len(rest) == 0 {
				return n, pulse.EndOfData
			}
			return n, nil
		}),
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(cueRate),
		pulse.PlaybackLatency(0.02),
		pulse.PlaybackMediaName("murmur cue"),
	)
	if err != nil {
		return fmt.Errorf("create pulse playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	return stream.Error()
}

// render synthesizes tones separated by short silences.
func render(tones ...tone) []int16 {
	var pcm []int16
	for i, t := range tones {
		if i > 0 {
			pcm = append(pcm, make([]int16, sampleCount(cueGap))...)
		}
		pcm = append(pcm, sine(t)...)
	}
	return pcm
}

func sine(t tone) []int16 {
	n := sampleCount(t.dur)
	if n == 0 || t.hz <= 0 {
		return nil
	}
	ramp := max(1, min(n/10, maxRamp))
	pcm := make([]int16, n)
	for i := range pcm {
		gain := min(1, float64(i)/float64(ramp), float64(n-1-i)/float64(ramp))
		phase := 2 * math.Pi * t.hz * float64(i) / cueRate
		pcm[i] = int16(math.Round(math.Sin(phase) * cueVolume * gain * math.MaxInt16))
	}
	return pcm
}

func sampleCount(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * cueRate))
}
