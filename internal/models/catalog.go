// Package models resolves Whisper model artifacts into a local cache and
// downloads whatever is missing.
package models

import (
	"slices"
	"strings"
)

// Devices accepted by the inference engine.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// RepositoryOwner publishes the CTranslate2 conversions of every catalog model.
const RepositoryOwner = "ctranslate2-4you"

// Quantizations lists every compute type the engine understands.
var Quantizations = []string{
	"int8",
	"int8_float16",
	"int8_float32",
	"int8_bfloat16",
	"int16",
	"float16",
	"float32",
	"bfloat16",
}

// Info describes one catalog model.
type Info struct {
	Name                string
	SupportsTranslation bool
	// Overrides restricts quantizations per device when non-nil.
	Overrides map[string][]string
}

var restrictedQuantizations = map[string][]string{
	DeviceCPU:  {"float32"},
	DeviceCUDA: {"float16", "bfloat16", "float32"},
}

var catalog = []Info{
	{Name: "tiny", SupportsTranslation: true},
	{Name: "tiny.en"},
	{Name: "base", SupportsTranslation: true},
	{Name: "base.en"},
	{Name: "small", SupportsTranslation: true},
	{Name: "small.en"},
	{Name: "medium", SupportsTranslation: true},
	{Name: "medium.en"},
	{Name: "large-v3", SupportsTranslation: true},
	{Name: "large-v3-turbo", Overrides: restrictedQuantizations},
	{Name: "distil-whisper-small.en", Overrides: restrictedQuantizations},
	{Name: "distil-whisper-medium.en", Overrides: restrictedQuantizations},
	{Name: "distil-whisper-large-v3", Overrides: restrictedQuantizations},
}

// Names returns catalog model names in display order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for _, info := range catalog {
		names = append(names, info.Name)
	}
	return names
}

// Lookup returns catalog info for name.
func Lookup(name string) (Info, bool) {
	for _, info := range catalog {
		if info.Name == name {
			return info, true
		}
	}
	return Info{}, false
}

// Known reports whether name is a catalog model.
func Known(name string) bool {
	_, ok := Lookup(name)
	return ok
}

// SupportsTranslation reports whether name can run the translate task.
func SupportsTranslation(name string) bool {
	info, ok := Lookup(name)
	return ok && info.SupportsTranslation
}

// ValidQuantization reports whether q is a known compute type.
func ValidQuantization(q string) bool {
	return slices.Contains(Quantizations, q)
}

// ValidDevice reports whether device is cpu or cuda.
func ValidDevice(device string) bool {
	return device == DeviceCPU || device == DeviceCUDA
}

// QuantizationOptions returns the compute types offered for name on device.
// supported holds the per-device capabilities probed for this machine; an
// empty entry means unknown and falls back to every valid quantization.
func QuantizationOptions(name, device string, supported map[string][]string) []string {
	available := supported[device]
	if len(available) == 0 {
		available = Quantizations
	}

	var options []string
	if info, ok := Lookup(name); ok && info.Overrides != nil {
		for _, q := range info.Overrides[device] {
			if slices.Contains(available, q) {
				options = append(options, q)
			}
		}
	} else {
		options = slices.Clone(available)
	}

	if device == DeviceCPU {
		options = slices.DeleteFunc(options, func(q string) bool {
			return q == "float16" || q == "bfloat16"
		})
	}
	return options
}

// RepositoryID builds the artifact repository id for a model and quantization.
// Distil-Whisper conversions are published without the "whisper-" prefix.
func RepositoryID(name, quantization string) string {
	if strings.HasPrefix(name, "distil-whisper") {
		return RepositoryOwner + "/" + name + "-ct2-" + quantization
	}
	return RepositoryOwner + "/whisper-" + name + "-ct2-" + quantization
}
