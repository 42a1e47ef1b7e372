// Package language tags transcripts with their input language and translates
// replies when the caller speaks Hindi. Detection is pure and local; only
// translation touches the LLM, and it degrades to the original text.
package language

import (
	"context"
	"log/slog"
	"strings"

	"github.com/alihamza79/custom-voice-agent-sub003/pkg/llm"
)

// Lang is a BCP-47-ish language tag.
type Lang string

const (
	English Lang = "en"
	Hindi   Lang = "hi"
	German  Lang = "de"
	Russian Lang = "ru"
)

// romanHindi is a curated lexicon of strong Roman-script Hindi tokens. Two or
// more hits tag the utterance as Hindi.
var romanHindi = map[string]struct{}{
	"mujhe": {}, "mera": {}, "meri": {}, "aap": {}, "aapka": {},
	"hai": {}, "hain": {}, "nahi": {}, "nahin": {}, "haan": {},
	"kal": {}, "aaj": {}, "abhi": {}, "kyun": {}, "kya": {},
	"karna": {}, "karo": {}, "chahiye": {}, "theek": {}, "accha": {},
	"baje": {}, "samay": {}, "milna": {}, "baat": {}, "bilkul": {},
}

// DetectInputLanguage tags a transcript. Devanagari anywhere wins; otherwise
// the Roman-Hindi lexicon must hit at least twice; Latin-only text is
// English.
func DetectInputLanguage(text string) Lang {
	if containsDevanagari(text) {
		return Hindi
	}

	hits := 0
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?")
		if _, ok := romanHindi[tok]; ok {
			hits++
			if hits >= 2 {
				return Hindi
			}
		}
	}
	return English
}

func containsDevanagari(text string) bool {
	for _, r := range text {
		if r >= 0x0900 && r <= 0x097F {
			return true
		}
	}
	return false
}

// Translator turns English reply text into the caller's language.
type Translator struct {
	log      *slog.Logger
	provider llm.Provider
}

// NewTranslator creates a translator backed by the given provider.
func NewTranslator(log *slog.Logger, provider llm.Provider) *Translator {
	return &Translator{log: log, provider: provider}
}

// TranslateIfNeeded translates text to Hindi when both the target and the
// detected input language are Hindi. Text already containing Devanagari is
// passed through. Any provider failure returns the original text; a turn is
// never aborted over translation.
func (t *Translator) TranslateIfNeeded(ctx context.Context, text string, target, input Lang) string {
	if target != Hindi || input != Hindi {
		return text
	}
	if containsDevanagari(text) {
		return text
	}

	resp, err := t.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Translate the user's message to natural spoken Hindi in Devanagari script. Reply with the translation only.",
		Messages:     []llm.Message{{Role: "user", Content: text}},
		Temperature:  0.2,
	})
	if err != nil {
		t.log.Warn("translation failed, using original text", "error", err)
		return text
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return text
	}
	return out
}
