// Package preprocess cleans language model output before it reaches a
// synthesis backend.
package preprocess

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	urlRe        = regexp.MustCompile(`https?://\S+|www\.\S+`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	emailRe      = regexp.MustCompile(`\S+@\S+\.\S+`)
	headingRe    = regexp.MustCompile(`(?m)^\s*#{1,6}\s*`)
	bulletRe     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`)
	emphasisRe   = regexp.MustCompile(`\*{1,3}|_{2,3}|` + "`+")
	sentenceRe   = regexp.MustCompile(`[^.!?…]+(?:[.!?…]+["')\]]*|$)`)
)

var quoteReplacer = strings.NewReplacer(
	"“", "\"",
	"”", "\"",
	"„", "\"",
	"‘", "'",
	"’", "'",
	"‚", "'",
	"«", "\"",
	"»", "\"",
)

var punctuationReplacer = strings.NewReplacer(
	"—", ", ",
	"–", ", ",
	"…", "...",
	"•", ",",
)

type Preprocessor struct{}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

// Process normalises text for speech. It is language neutral: numbers and
// abbreviations are left for the backend, which knows the target language.
func (p *Preprocessor) Process(text string) string {
	text = norm.NFC.String(text)
	text = urlRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = emailRe.ReplaceAllString(text, "")
	text = headingRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "")
	text = emphasisRe.ReplaceAllString(text, "")
	text = quoteReplacer.Replace(text)
	text = punctuationReplacer.Replace(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// SplitSentences breaks text at sentence punctuation. Sentences longer than
// maxRunes are further split at the last space before the limit; maxRunes <= 0
// disables the length limit.
func SplitSentences(text string, maxRunes int) []string {
	var out []string
	for _, s := range sentenceRe.FindAllString(text, -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, splitLong(s, maxRunes)...)
	}
	return out
}

func splitLong(s string, maxRunes int) []string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return []string{s}
	}

	var out []string
	for utf8.RuneCountInString(s) > maxRunes {
		runes := []rune(s)
		cut := maxRunes
		for i := maxRunes; i > 0; i-- {
			if runes[i] == ' ' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		s = strings.TrimSpace(string(runes[cut:]))
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
