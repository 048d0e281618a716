package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepositoryID(t *testing.T) {
	tests := []struct {
		name  string
		model string
		quant string
		want  string
	}{
		{name: "standard model", model: "base.en", quant: "float32", want: "ctranslate2-4you/whisper-base.en-ct2-float32"},
		{name: "large turbo", model: "large-v3-turbo", quant: "float16", want: "ctranslate2-4you/whisper-large-v3-turbo-ct2-float16"},
		{name: "distil family", model: "distil-whisper-small.en", quant: "float32", want: "ctranslate2-4you/distil-whisper-small.en-ct2-float32"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, RepositoryID(tc.model, tc.quant))
		})
	}
}

func TestSupportsTranslation(t *testing.T) {
	require.True(t, SupportsTranslation("base"))
	require.True(t, SupportsTranslation("large-v3"))
	require.False(t, SupportsTranslation("base.en"))
	require.False(t, SupportsTranslation("large-v3-turbo"))
	require.False(t, SupportsTranslation("distil-whisper-large-v3"))
	require.False(t, SupportsTranslation("unknown"))
}

func TestQuantizationOptions(t *testing.T) {
	supported := map[string][]string{
		DeviceCPU:  {"int8", "float16", "float32", "bfloat16"},
		DeviceCUDA: {"int8", "float16", "float32"},
	}

	require.Equal(t, []string{"int8", "float32"}, QuantizationOptions("base.en", DeviceCPU, supported))
	require.Equal(t, []string{"int8", "float16", "float32"}, QuantizationOptions("base.en", DeviceCUDA, supported))
	require.Equal(t, []string{"float32"}, QuantizationOptions("large-v3-turbo", DeviceCPU, supported))
	require.Equal(t, []string{"float16", "float32"}, QuantizationOptions("distil-whisper-small.en", DeviceCUDA, supported))
}

func TestQuantizationOptionsUnknownCapabilities(t *testing.T) {
	options := QuantizationOptions("small", DeviceCPU, nil)
	require.NotContains(t, options, "float16")
	require.NotContains(t, options, "bfloat16")
	require.Contains(t, options, "int8")
	require.Contains(t, options, "float32")
}

func TestCatalogNamesAndValidation(t *testing.T) {
	names := Names()
	require.Len(t, names, 13)
	require.Equal(t, "tiny", names[0])
	require.True(t, Known("medium.en"))
	require.False(t, Known("huge"))
	require.True(t, ValidQuantization("int8_float16"))
	require.False(t, ValidQuantization("int4"))
	require.True(t, ValidDevice("cuda"))
	require.False(t, ValidDevice("tpu"))
}
