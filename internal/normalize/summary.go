package normalize

import (
	"strings"
	"unicode"
)

// Extractive summary defaults.
const (
	DefaultSentences = 3
	DefaultBudget    = 250
)

const ellipsis = "..."

// Summarize collapses whitespace, keeps the first n sentences of text and
// truncates the result to budget runes.
func Summarize(text string, n, budget int) string {
	text = collapseSpace(text)
	if text == "" {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	return Truncate(strings.Join(sentences, " "), budget)
}

// Truncate shortens s to at most budget runes. It cuts after the last sentence
// terminator that fits, or else hard-cuts and appends "...".
func Truncate(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	if budget <= 0 {
		return ""
	}

	for i := budget - 1; i > 0; i-- {
		if isTerminator(runes[i]) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			return string(runes[:i+1])
		}
	}

	if budget <= len(ellipsis) {
		return string(runes[:budget])
	}
	cut := strings.TrimRightFunc(string(runes[:budget-len(ellipsis)]), unicode.IsSpace)
	return cut + ellipsis
}

// splitSentences splits on runs of terminators followed by whitespace or the
// end of text, so "v1.5" and "e.g.x" stay in one sentence.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && isTerminator(runes[j+1]) {
			j++
		}
		if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
			if s := strings.TrimSpace(string(runes[start : j+1])); s != "" {
				out = append(out, s)
			}
			start = j + 1
		}
		i = j
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
