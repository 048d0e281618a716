// Package audio handles device discovery, PCM capture, and the WAV files
// handed to the transcription engine.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const applicationName = "murmur"

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// usable reports whether the device can record right now.
func (d Device) usable() bool {
	return d.Available && !d.Muted
}

func (d Device) problem() string {
	if d.Muted {
		return "muted"
	}
	return "unavailable"
}

// Selection is the device a recording will use. Warning is set when the
// configured input could not be used.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

func connect() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(applicationName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns the Pulse input sources.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	def, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var reply pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(reply))
	for _, info := range reply {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			State:       stateName(info.State),
			Available:   activePortAvailable(info),
			Muted:       info.Mute,
			Default:     info.SourceName == def.ID(),
		})
	}
	return devices, nil
}

// SelectDevice picks the capture device for the input and fallback
// preferences. An empty preference or "default" means the server default.
func SelectDevice(ctx context.Context, input, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return choose(devices, input, fallback)
}

func choose(devices []Device, input, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}

	primary, err := lookup(devices, input)
	if err != nil {
		return Selection{}, fmt.Errorf("audio.input %w", err)
	}
	if primary.usable() {
		return Selection{Device: primary}, nil
	}

	backup, err := lookup(devices, fallback)
	if err != nil {
		return Selection{}, fmt.Errorf("input %q is %s and audio.fallback %w", primary.ID, primary.problem(), err)
	}
	if !backup.usable() {
		return Selection{}, fmt.Errorf("input %q is %s and fallback %q is %s",
			primary.ID, primary.problem(), backup.ID, backup.problem())
	}
	return Selection{
		Device:   backup,
		Warning:  fmt.Sprintf("audio input %q is %s; using %q", primary.ID, primary.problem(), backup.ID),
		Fallback: true,
	}, nil
}

// lookup resolves one preference. Anything other than the default matches
// case-insensitively against the device ID and description.
func lookup(devices []Device, pref string) (Device, error) {
	pref = strings.ToLower(strings.TrimSpace(pref))
	if pref == "" || pref == "default" {
		for _, d := range devices {
			if d.Default {
				return d, nil
			}
		}
		return Device{}, errors.New("default source is unavailable")
	}
	for _, d := range devices {
		if matches(d, pref) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%q did not match any device", pref)
}

func matches(d Device, term string) bool {
	return term != "" &&
		(strings.Contains(strings.ToLower(d.ID), term) || strings.Contains(strings.ToLower(d.Description), term))
}

func stateName(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	}
	return fmt.Sprintf("unknown(%d)", state)
}

// activePortAvailable treats sources without ports, and ports in the
// unknown availability state, as available.
func activePortAvailable(info *pulseproto.GetSourceInfoReply) bool {
	if info == nil {
		return false
	}
	for _, port := range info.Ports {
		if port.Name == info.ActivePortName {
			const portUnavailable = 1
			return port.Available != portUnavailable
		}
	}
	return true
}
