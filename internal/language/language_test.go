package language

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alihamza79/custom-voice-agent-sub003/pkg/llm"
	llmmock "github.com/alihamza79/custom-voice-agent-sub003/pkg/llm/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDetectInputLanguage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Lang
	}{
		{"roman hindi booking", "mujhe kal appointment book karna hai", Hindi},
		{"devanagari", "मुझे कल अपॉइंटमेंट चाहिए", Hindi},
		{"plain english", "I want to book an appointment tomorrow", English},
		{"single lexicon hit stays english", "kal is the name of my dog", English},
		{"two lexicon hits", "haan bilkul", Hindi},
		{"empty", "", English},
		{"punctuation around tokens", "Haan, bilkul!", Hindi},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectInputLanguage(tt.in); got != tt.want {
				t.Fatalf("DetectInputLanguage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTranslateIfNeeded(t *testing.T) {
	t.Run("translates hindi to hindi target", func(t *testing.T) {
		p := &llmmock.Provider{
			CompleteResponses: []*llm.CompletionResponse{{Content: "कल आपका अपॉइंटमेंट बुक हो गया"}},
		}
		tr := NewTranslator(testLogger(), p)

		got := tr.TranslateIfNeeded(context.Background(), "Your appointment is booked for tomorrow", Hindi, Hindi)
		if got != "कल आपका अपॉइंटमेंट बुक हो गया" {
			t.Fatalf("translated = %q", got)
		}
		if len(p.CompleteCalls) != 1 {
			t.Fatalf("provider calls = %d, want 1", len(p.CompleteCalls))
		}
	})

	t.Run("skips english input", func(t *testing.T) {
		p := &llmmock.Provider{}
		tr := NewTranslator(testLogger(), p)

		got := tr.TranslateIfNeeded(context.Background(), "hello", Hindi, English)
		if got != "hello" || len(p.CompleteCalls) != 0 {
			t.Fatalf("expected pass-through, got %q with %d calls", got, len(p.CompleteCalls))
		}
	})

	t.Run("skips devanagari text", func(t *testing.T) {
		p := &llmmock.Provider{}
		tr := NewTranslator(testLogger(), p)

		got := tr.TranslateIfNeeded(context.Background(), "नमस्ते", Hindi, Hindi)
		if got != "नमस्ते" || len(p.CompleteCalls) != 0 {
			t.Fatalf("expected pass-through, got %q with %d calls", got, len(p.CompleteCalls))
		}
	})

	t.Run("provider failure falls back to original", func(t *testing.T) {
		p := &llmmock.Provider{CompleteErr: errors.New("provider down")}
		tr := NewTranslator(testLogger(), p)

		got := tr.TranslateIfNeeded(context.Background(), "see you tomorrow", Hindi, Hindi)
		if got != "see you tomorrow" {
			t.Fatalf("fallback = %q, want original text", got)
		}
	})
}
