package keepit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// markerRe matches a well-formed marker opener with a two-decimal weight.
var markerRe = regexp.MustCompile(`##keepit(\d+\.\d{2})##`)

// malformedRe catches anything that looks like a marker attempt, valid or not.
var malformedRe = regexp.MustCompile(`##keepit([^#]*)##`)

var twoDecimalRe = regexp.MustCompile(`^\d+\.\d{2}$`)

// RawMarker is one extraction from message text. StartIndex/EndIndex are
// byte offsets of the content (marker prefix excluded).
type RawMarker struct {
	Weight     float64 `json:"weight"`
	Content    string  `json:"content"`
	StartIndex int     `json:"startIndex"`
	EndIndex   int     `json:"endIndex"`
}

// Extract returns every well-formed marker in text, in document order.
// Content runs until the next marker, a blank line, or end of text.
func Extract(text string) []RawMarker {
	locs := markerRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	markers := make([]RawMarker, 0, len(locs))
	for i, loc := range locs {
		weight := ValidateWeight(text[loc[2]:loc[3]])
		start := loc[1] // end of the ##keepitW.WW## prefix
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		if blank := strings.Index(text[start:end], "\n\n"); blank >= 0 {
			end = start + blank
		}
		content := strings.TrimSpace(text[start:end])
		if content == "" {
			continue
		}
		// Trim offsets to the trimmed content so positions stay exact.
		cs := start + strings.Index(text[start:end], content)
		markers = append(markers, RawMarker{
			Weight:     weight,
			Content:    content,
			StartIndex: cs,
			EndIndex:   cs + len(content),
		})
	}
	return markers
}

// ValidateWeight coerces any value to a valid marker weight: strings are
// parsed, the result clamped to [0, 1] and rounded to two decimals.
// Anything unparseable becomes 0.50.
func ValidateWeight(v any) float64 {
	var w float64
	switch x := v.(type) {
	case float64:
		w = x
	case float32:
		w = float64(x)
	case int:
		w = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0.50
		}
		w = parsed
	default:
		return 0.50
	}
	if w != w { // NaN
		return 0.50
	}
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	return round2(w)
}

// CreateMarker renders the inline marker syntax for a weight and content.
func CreateMarker(weight float64, content string) string {
	return fmt.Sprintf("##keepit%.2f##%s", ValidateWeight(weight), content)
}

// StripMarkers removes every marker prefix, preserving the marked text.
func StripMarkers(text string) string {
	return markerRe.ReplaceAllString(text, "")
}

// UpdateWeight rewrites the marker prefix in front of content from the old
// weight to the new one. Returns the text unchanged when no such marker
// exists.
func UpdateWeight(text, content string, oldWeight, newWeight float64) string {
	old := fmt.Sprintf("##keepit%.2f##%s", ValidateWeight(oldWeight), content)
	repl := fmt.Sprintf("##keepit%.2f##%s", ValidateWeight(newWeight), content)
	return strings.Replace(text, old, repl, 1)
}

// SyntaxIssue flags one malformed or out-of-range marker in message text.
type SyntaxIssue struct {
	Offset int    `json:"offset"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// ValidateSyntax reports marker attempts that are not well-formed: weights
// without exactly two decimals, or weights outside [0, 1].
func ValidateSyntax(text string) []SyntaxIssue {
	var issues []SyntaxIssue
	for _, loc := range malformedRe.FindAllStringSubmatchIndex(text, -1) {
		raw := text[loc[0]:loc[1]]
		weight := text[loc[2]:loc[3]]
		if !twoDecimalRe.MatchString(weight) {
			issues = append(issues, SyntaxIssue{
				Offset: loc[0],
				Text:   raw,
				Reason: "weight must have exactly two decimals",
			})
			continue
		}
		if w, err := strconv.ParseFloat(weight, 64); err == nil && (w < 0 || w > 1) {
			issues = append(issues, SyntaxIssue{
				Offset: loc[0],
				Text:   raw,
				Reason: "weight out of range [0.00, 1.00]",
			})
		}
	}
	return issues
}
