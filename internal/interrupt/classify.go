// Package interrupt decides whether an interim transcript should cut off the
// agent mid-reply, and how abruptly. Classification is pure; execution lives
// in [Executor].
package interrupt

import (
	"regexp"
	"strings"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/language"
)

// Level orders interruption severity.
type Level string

const (
	// LevelNone lets the agent keep talking.
	LevelNone Level = "none"
	// LevelGentle stops after the current sentence.
	LevelGentle Level = "gentle"
	// LevelModerate stops after the current word.
	LevelModerate Level = "moderate"
	// LevelImmediate aborts playback now.
	LevelImmediate Level = "immediate"
)

// Decision is the classification outcome.
type Decision struct {
	Interrupt bool
	Level     Level
	Reason    string
	Language  language.Lang
	Text      string
}

// Per-language acknowledgment phrases. A hypothesis that is nothing but an
// acknowledgment must never interrupt.
var acknowledgments = map[language.Lang][]string{
	language.English: {
		"ok", "okay", "yes", "yeah", "yep", "sure", "right", "alright",
		"uh huh", "mm hmm", "got it", "sounds good", "that works",
		"go ahead", "go on", "i see", "of course", "perfect", "great",
	},
	language.Hindi: {
		"haan", "ha", "ji", "ji haan", "theek", "theek hai", "accha",
		"haan bilkul", "bilkul", "sahi", "sahi hai", "thik hai",
	},
	language.German: {
		"ja", "okay", "ok", "gut", "genau", "ja genau", "klar", "richtig",
		"alles klar", "in ordnung", "verstanden", "stimmt",
	},
	language.Russian: {
		"da", "da da", "horosho", "ponyatno", "konechno", "ладно",
		"да", "хорошо", "понятно", "конечно", "угу",
	},
}

var emergencyPatterns = map[language.Lang]*regexp.Regexp{
	language.English: regexp.MustCompile(`(?i)\b(stop|wait|hold on|cancel|shut up|help|emergency)\b`),
	language.Hindi:   regexp.MustCompile(`(?i)\b(ruko|rukiye|band karo|cancel|madad|रुको|बंद करो|मदद)\b`),
	language.German:  regexp.MustCompile(`(?i)\b(stopp|stop|warte|moment|abbrechen|hilfe)\b`),
	language.Russian: regexp.MustCompile(`(?i)\b(stoi|stop|podozhdi|otmena|pomogite|стой|подожди|отмена|помогите)\b`),
}

var intentChangePatterns = map[language.Lang]*regexp.Regexp{
	language.English: regexp.MustCompile(`(?i)\b(actually|instead|no wait|i want|i need|can you|let's|rather)\b`),
	language.Hindi:   regexp.MustCompile(`(?i)\b(nahi|balki|mujhe chahiye|नहीं|बल्कि)\b`),
	language.German:  regexp.MustCompile(`(?i)\b(eigentlich|stattdessen|ich will|ich brauche|lieber)\b`),
	language.Russian: regexp.MustCompile(`(?i)\b(na samom dele|vmesto|ya hochu|вместо|я хочу|вообще-то)\b`),
}

// fillers are ignored when counting meaningful words.
var fillers = map[string]struct{}{
	"um": {}, "uh": {}, "er": {}, "ah": {}, "hmm": {}, "mhm": {},
	"like": {}, "so": {}, "well": {}, "also": {}, "na": {}, "to": {},
	"the": {}, "a": {}, "eh": {},
}

type thresholds struct {
	minLen  int
	minConf float64
}

func thresholdsFor(lang language.Lang) thresholds {
	switch lang {
	case language.Hindi, language.Russian:
		return thresholds{minLen: 3, minConf: 0.75}
	default:
		return thresholds{minLen: 8, minConf: 0.80}
	}
}

var punct = regexp.MustCompile(`[^\p{L}\p{N} ]+`)

func clean(text string) string {
	return strings.TrimSpace(punct.ReplaceAllString(strings.ToLower(text), ""))
}

// Classify maps an interim hypothesis to a [Decision]. Decision order:
// empty, acknowledgment, emergency, intent change, thresholds.
func Classify(text string, lang language.Lang, confidence float64) Decision {
	cleaned := clean(text)
	base := Decision{Language: lang, Text: text, Level: LevelNone}

	if cleaned == "" {
		base.Reason = "empty"
		return base
	}

	for _, ack := range acknowledgments[lang] {
		if cleaned == ack {
			base.Reason = "acknowledgment"
			return base
		}
	}

	if re, ok := emergencyPatterns[lang]; ok && re.MatchString(text) {
		return Decision{
			Interrupt: true, Level: LevelImmediate,
			Reason: "emergency", Language: lang, Text: text,
		}
	}

	if re, ok := intentChangePatterns[lang]; ok && re.MatchString(text) {
		return Decision{
			Interrupt: true, Level: LevelModerate,
			Reason: "intent_change", Language: lang, Text: text,
		}
	}

	th := thresholdsFor(lang)
	if len(cleaned) < th.minLen {
		base.Reason = "too_short"
		return base
	}
	if confidence < th.minConf {
		base.Reason = "low_confidence"
		return base
	}
	if meaningfulWords(cleaned) < 2 {
		base.Reason = "too_few_words"
		return base
	}

	return Decision{
		Interrupt: true, Level: LevelGentle,
		Reason: "substantive_speech", Language: lang, Text: text,
	}
}

func meaningfulWords(cleaned string) int {
	n := 0
	for _, w := range strings.Fields(cleaned) {
		if _, filler := fillers[w]; !filler {
			n++
		}
	}
	return n
}
