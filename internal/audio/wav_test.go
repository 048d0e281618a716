package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestWAVWriterRoundTripsSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	w, err := CreateWAV(path)
	require.NoError(t, err)

	raw := pcmOf(1, -1, 32767, -32768, 42)
	// Split mid-sample to exercise the carry byte.
	require.NoError(t, w.Write(raw[:3]))
	require.NoError(t, w.Write(raw[3:]))
	require.Equal(t, int64(5), w.Samples())
	require.NoError(t, w.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	dec := wav.NewDecoder(file)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	require.Equal(t, []int{1, -1, 32767, -32768, 42}, buf.Data)
	require.Equal(t, SampleRate, buf.Format.SampleRate)
	require.Equal(t, Channels, buf.Format.NumChannels)
}

func TestProbeDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "second.wav")
	w, err := CreateWAV(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(make([]byte, SampleRate*2)))
	require.Equal(t, time.Second, w.Duration())
	require.NoError(t, w.Close())

	got, err := ProbeDuration(path)
	require.NoError(t, err)
	require.Equal(t, time.Second, got)
}

func TestProbeDurationRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a riff header at all"), 0o600))

	_, err := ProbeDuration(path)
	require.Error(t, err)

	_, err = ProbeDuration(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
}

func TestWAVWriterEmptyRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := CreateWAV(path)
	require.NoError(t, err)
	require.ErrorIs(t, w.Close(), ErrNoAudio)
}
