package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurateCollapsesSegmentLines(t *testing.T) {
	t.Parallel()

	got := Curate("hello there.\nthis is murmur\n  speaking   now.\nwhat do you think?")
	require.Equal(t, "Hello there. This is murmur speaking now. What do you think?", got)
}

func TestCurateEmptyAndWhitespace(t *testing.T) {
	t.Parallel()

	require.Empty(t, Curate(""))
	require.Empty(t, Curate("\n \n\t"))
}

func TestCuratePronounI(t *testing.T) {
	t.Parallel()

	got := Curate("when i speak i'm clearer.\ni think i will keep using it.")
	require.Equal(t, "When I speak I'm clearer. I think I will keep using it.", got)
}

func TestCurateKeepsAbbreviationsAndDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "title", in: "we met dr. smith today", want: "We met dr. smith today"},
		{name: "decimal", in: "it costs 3.50 now. okay", want: "It costs 3.50 now. Okay"},
		{name: "embedded", in: "open main.go please. thanks", want: "Open main.go please. Thanks"},
		{name: "lowercase abbreviation", in: "bring snacks, e.g. chips", want: "Bring snacks, e.g. chips"},
		{name: "quoted start", in: `he said stop. "wait" she replied`, want: `He said stop. "Wait" she replied`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Curate(tc.in))
		})
	}
}

func TestAssembleWithoutCapitalization(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello world", Assemble([]string{" hello", "\nworld "}, Options{}))
	require.Empty(t, Assemble(nil, Options{CapitalizeSentences: true}))
}

func TestCurateIdempotent(t *testing.T) {
	t.Parallel()

	first := Curate("hello world. this is murmur")
	require.Equal(t, first, Curate(first))
}

func TestCurateSentenceEdges(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"is it on? yes! great", "Is it on? Yes! Great"},
		{"wait... then go", "Wait... then go"},
		{"ask J. smith. he knows", "Ask J. smith. He knows"},
		{"(it works.) then stop", "(It works.) Then stop"},
		{"i'll call. iris is here", "I'll call. Iris is here"},
		{"42 is the answer. 7 is not", "42 is the answer. 7 is not"},
		{"we said “i know” and left", "We said “I know” and left"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, Curate(tc.in), tc.in)
	}
}
