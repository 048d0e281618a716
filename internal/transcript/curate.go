// Package transcript turns raw segment text into prose.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Options controls Assemble formatting.
type Options struct {
	CapitalizeSentences bool
}

// Assemble joins segment texts with single spaces, collapsing all runs of
// whitespace.
func Assemble(segments []string, opts Options) string {
	words := strings.Fields(strings.Join(segments, " "))
	if opts.CapitalizeSentences {
		capitalize(words)
	}
	return strings.Join(words, " ")
}

// Curate collapses newline-separated segment text into flowing prose.
func Curate(text string) string {
	return Assemble(strings.Split(text, "\n"), Options{CapitalizeSentences: true})
}

// abbreviations end with a period without ending the sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true, "jr": true,
	"st": true, "vs": true, "etc": true, "approx": true, "no": true, "fig": true,
	"inc": true, "ltd": true, "co": true, "mt": true,
}

const (
	openers = "\"'([{“‘"
	closers = "\"')]}”’"
)

// capitalize upper-cases the first letter of each sentence and the
// pronoun I, in place.
func capitalize(words []string) {
	start := true
	for i, w := range words {
		if start {
			w = upperFirstLetter(w)
		}
		w = pronounI(w)
		words[i] = w
		start = endsSentence(w)
	}
}

func upperFirstLetter(w string) string {
	body := strings.TrimLeft(w, openers)
	r, size := utf8.DecodeRuneInString(body)
	if !unicode.IsLower(r) {
		return w
	}
	prefix := w[:len(w)-len(body)]
	return prefix + string(unicode.ToUpper(r)) + body[size:]
}

// pronounI fixes "i" and its contractions ("i'm", "i’ll").
func pronounI(w string) string {
	core := strings.TrimLeft(w, openers)
	if !strings.HasPrefix(core, "i") {
		return w
	}
	rest := core[1:]
	bare := strings.TrimRight(rest, closers+".,!?;:")
	if bare != "" && !strings.HasPrefix(bare, "'") && !strings.HasPrefix(bare, "’") {
		return w
	}
	return w[:len(w)-len(core)] + "I" + rest
}

// endsSentence reports whether w closes a sentence. Decimals and file
// names never reach here with a trailing period, so only abbreviations,
// initials, and ellipses need filtering.
func endsSentence(w string) bool {
	w = strings.TrimRight(w, closers)
	switch {
	case strings.HasSuffix(w, "!"), strings.HasSuffix(w, "?"):
		return true
	case !strings.HasSuffix(w, "."), strings.HasSuffix(w, ".."):
		return false
	}
	stem := strings.TrimLeft(strings.TrimSuffix(w, "."), openers)
	if strings.Contains(stem, ".") || abbreviations[strings.ToLower(stem)] {
		return false
	}
	if r, size := utf8.DecodeRuneInString(stem); size == len(stem) && unicode.IsUpper(r) {
		return false
	}
	return stem != ""
}
