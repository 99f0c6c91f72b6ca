// Package translate defines the Translator interface for machine-translation
// backends.
//
// A Translator receives one complete transcript at a time together with the
// source and target language tags and returns the translated text. Language
// tags are FLORES-200 style codes (e.g. "eng_Latn", "deu_Latn") as produced
// by the language registry; backends that prompt an LLM embed the tags
// directly, which every current model family resolves without a lookup table.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly: the translation worker bounds every call with a
// deadline and treats an overrun as a model failure.
package translate

import (
	"context"
	"fmt"
	"strings"
)

// Translator is the abstraction over any machine-translation backend.
type Translator interface {
	// Translate converts text from sourceLang to targetLang and returns the
	// translated text. An empty sourceLang asks the backend to detect the
	// source language itself. The result is the bare translation without
	// quotes or commentary.
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// SystemPrompt builds the instruction shared by all LLM-backed translators.
// Keeping the prompt in one place means a fallback backend produces output
// comparable to the primary's.
func SystemPrompt(sourceLang, targetLang string) string {
	var b strings.Builder
	b.WriteString("You are a machine translation engine. ")
	if sourceLang == "" {
		b.WriteString("Detect the language of the user's text and translate it ")
	} else {
		fmt.Fprintf(&b, "Translate the user's text from the language tagged %q ", sourceLang)
	}
	fmt.Fprintf(&b, "into the language tagged %q. The tags are FLORES-200 codes. ", targetLang)
	b.WriteString("Reply with the translation only: no quotes, no notes, no alternatives. ")
	b.WriteString("Preserve numbers and proper names, and follow the punctuation conventions of the target language.")
	return b.String()
}

// Clean normalises raw model output into a bare translation. Models
// occasionally wrap the reply in quotation marks despite instructions;
// a single matching outer pair is stripped, inner quotes are kept.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			inner := s[1 : len(s)-1]
			if !strings.ContainsRune(inner, rune(first)) {
				s = strings.TrimSpace(inner)
			}
		}
	}
	return s
}
