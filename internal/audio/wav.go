package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// ErrNoAudio is returned when a recording closes without any samples.
var ErrNoAudio = errors.New("no audio captured")

// WAVWriter streams 16-bit little-endian PCM chunks into a WAV file.
type WAVWriter struct {
	file    *os.File
	enc     *wav.Encoder
	format  *goaudio.Format
	carry   []byte
	samples int64
}

// CreateWAV truncates path and prepares it for mono 16kHz PCM.
func CreateWAV(path string) (*WAVWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wav %q: %w", path, err)
	}
	return &WAVWriter{
		file:   file,
		enc:    wav.NewEncoder(file, SampleRate, bitDepth, Channels, 1),
		format: &goaudio.Format{NumChannels: Channels, SampleRate: SampleRate},
	}, nil
}

// Write appends raw PCM. An odd trailing byte is held until the next chunk.
func (w *WAVWriter) Write(pcm []byte) error {
	if len(w.carry) > 0 {
		pcm = append(w.carry, pcm...)
		w.carry = nil
	}
	if len(pcm)%2 != 0 {
		w.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil
	}

	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &goaudio.IntBuffer{Format: w.format, Data: data, SourceBitDepth: bitDepth}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.samples += int64(len(data))
	return nil
}

// Samples reports how many samples have been written.
func (w *WAVWriter) Samples() int64 {
	return w.samples
}

// Duration reports the length of audio written so far.
func (w *WAVWriter) Duration() time.Duration {
	return time.Duration(w.samples) * time.Second / time.Duration(SampleRate*Channels)
}

// Close finalizes the header and closes the file. It returns ErrNoAudio when
// nothing was written; the file is left empty in that case.
func (w *WAVWriter) Close() error {
	if w.samples == 0 {
		_ = w.file.Close()
		return ErrNoAudio
	}
	if err := w.enc.Close(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return w.file.Close()
}

// ProbeDuration reads the duration from a WAV header.
func ProbeDuration(path string) (time.Duration, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	return dec.Duration()
}
