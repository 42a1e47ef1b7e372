package dialog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var months = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// spokenUnits and spokenTens cover the day range 1..31 in spoken form.
var spokenUnits = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19,
}

var spokenTens = map[string]int{
	"twenty": 20,
	"thirty": 30,
}

var nonWord = regexp.MustCompile(`[^a-z0-9: ]+`)

func tokenize(text string) []string {
	cleaned := nonWord.ReplaceAllString(strings.ToLower(text), " ")
	return strings.Fields(cleaned)
}

// errPastDate distinguishes a well-formed but rejected date from a parse miss.
type errPastDate struct{}

func (errPastDate) Error() string { return "date is in the past" }

// parseDate extracts an appointment date. The returned label is what the
// reply echoes: "today", "tomorrow", or "<day> <month>".
func parseDate(text string, now time.Time) (label string, date time.Time, err error) {
	tokens := tokenize(text)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for _, tok := range tokens {
		switch tok {
		case "today":
			return "today", today, nil
		case "tomorrow":
			return "tomorrow", today.AddDate(0, 0, 1), nil
		}
	}

	monthIdx := -1
	var month time.Month
	for i, tok := range tokens {
		if m, ok := months[tok]; ok {
			monthIdx = i
			month = m
			break
		}
	}
	if monthIdx == -1 {
		return "", time.Time{}, fmt.Errorf("no date in %q", text)
	}

	day, ok := dayNear(tokens, monthIdx)
	if !ok {
		return "", time.Time{}, fmt.Errorf("no day in %q", text)
	}

	date = time.Date(now.Year(), month, day, 0, 0, 0, 0, now.Location())
	if date.Day() != day {
		// Overflowed the month, e.g. 31 february.
		return "", time.Time{}, fmt.Errorf("invalid day %d for %s", day, month)
	}
	if date.Before(today) {
		return "", time.Time{}, errPastDate{}
	}
	return fmt.Sprintf("%d %s", day, strings.ToLower(month.String())), date, nil
}

// dayNear finds a day-of-month adjacent to the month token, numeric or
// spoken ("twenty five" spans two tokens).
func dayNear(tokens []string, monthIdx int) (int, bool) {
	// Prefer the tokens before the month ("25 august"), then after
	// ("august 25").
	if monthIdx > 0 {
		if d, ok := dayAt(tokens, monthIdx-1, false); ok {
			return d, ok
		}
	}
	if monthIdx+1 < len(tokens) {
		if d, ok := dayAt(tokens, monthIdx+1, true); ok {
			return d, ok
		}
	}
	return 0, false
}

// dayAt reads a day ending (forward=false) or starting (forward=true) at i.
func dayAt(tokens []string, i int, forward bool) (int, bool) {
	if n, err := strconv.Atoi(tokens[i]); err == nil {
		return n, n >= 1 && n <= 31
	}

	if forward {
		if tens, ok := spokenTens[tokens[i]]; ok {
			if i+1 < len(tokens) {
				if unit, ok := spokenUnits[tokens[i+1]]; ok && unit <= 9 {
					return tens + unit, tens+unit <= 31
				}
			}
			return tens, true
		}
		if n, ok := spokenUnits[tokens[i]]; ok {
			return n, true
		}
		return 0, false
	}

	// Backward: token i may be a unit completing "<tens> <unit>".
	if unit, ok := spokenUnits[tokens[i]]; ok {
		if unit <= 9 && i > 0 {
			if tens, ok := spokenTens[tokens[i-1]]; ok {
				return tens + unit, tens+unit <= 31
			}
		}
		return unit, true
	}
	if tens, ok := spokenTens[tokens[i]]; ok {
		return tens, true
	}
	return 0, false
}

var timePattern = regexp.MustCompile(`(?i)\b(\d{1,2})(?::([0-5]\d))?\s*(am|pm)\b`)

// parseTime matches a clock time and returns it in the caller's original
// spelling.
func parseTime(text string) (string, bool) {
	loc := timePattern.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	m := timePattern.FindStringSubmatch(text)
	hour, _ := strconv.Atoi(m[1])
	if hour < 1 || hour > 12 {
		return "", false
	}
	return strings.TrimSpace(text[loc[0]:loc[1]]), true
}

var hourPattern = regexp.MustCompile(`(?i)\b(\d+|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\s*hours?\b`)

// parseDuration matches "N hour(s)" with numeric or spoken counts and
// normalizes the display form.
func parseDuration(text string) (string, bool) {
	m := hourPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		var ok bool
		n, ok = spokenUnits[strings.ToLower(m[1])]
		if !ok {
			return "", false
		}
	}
	if n < 1 {
		return "", false
	}
	if n == 1 {
		return "1 hour", true
	}
	return fmt.Sprintf("%d hours", n), true
}
