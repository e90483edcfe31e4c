package keepit

import (
	"regexp"
	"strings"

	"github.com/agext/levenshtein"
)

// Outcome classifies how a marker fared in compressed output.
type Outcome string

const (
	OutcomePreserved         Outcome = "preserved"
	OutcomePreservedModified Outcome = "preserved_modified"
	OutcomeWarningModified   Outcome = "warning_modified"
	OutcomeStructural        Outcome = "structural"
	OutcomeMissing           Outcome = "missing"
	OutcomeMissingStrict     Outcome = "missing_strict_mode"
)

// VerifyOptions tune the fuzzy matcher.
type VerifyOptions struct {
	MinSimilarity  float64 // classify as preserved_modified at or above this
	WarnSimilarity float64 // below this (but >= min) becomes warning_modified
	StrictMode     bool    // any modified match counts as missing
}

func (o VerifyOptions) withDefaults() VerifyOptions {
	if o.MinSimilarity == 0 {
		o.MinSimilarity = 0.85
	}
	if o.WarnSimilarity == 0 {
		o.WarnSimilarity = 0.90
	}
	return o
}

// MarkerResult is the verification verdict for one surviving marker.
type MarkerResult struct {
	MarkerID   string  `json:"markerId"`
	Content    string  `json:"content"`
	Outcome    Outcome `json:"outcome"`
	Similarity float64 `json:"similarity"`
}

// VerifyReport groups results and carries the overall pass/fail.
type VerifyReport struct {
	Verified []MarkerResult `json:"verified"`
	Modified []MarkerResult `json:"modified"`
	Missing  []MarkerResult `json:"missing"`
	Pass     bool           `json:"pass"`
}

// longNeedle is the length at which matching switches from sliding-window
// edit distance to per-sentence structural matching.
const longNeedle = 100

// Verify checks that every marker decided to survive actually appears in
// the compressed content, exactly or fuzzily.
func Verify(markers []Marker, decisions []Decision, compressed string, opts VerifyOptions) VerifyReport {
	opts = opts.withDefaults()
	survives := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		survives[d.MarkerID] = d.Survives
	}

	haystack := normalize(compressed)
	report := VerifyReport{}
	for _, m := range markers {
		if !survives[m.MarkerID] {
			continue
		}
		res := verifyOne(m, haystack, opts)
		switch res.Outcome {
		case OutcomePreserved, OutcomeStructural:
			report.Verified = append(report.Verified, res)
		case OutcomePreservedModified, OutcomeWarningModified:
			report.Modified = append(report.Modified, res)
		default:
			report.Missing = append(report.Missing, res)
		}
	}
	report.Pass = len(report.Missing) == 0
	return report
}

func verifyOne(m Marker, haystack string, opts VerifyOptions) MarkerResult {
	res := MarkerResult{MarkerID: m.MarkerID, Content: m.Content}
	needle := normalize(m.Content)
	if needle == "" {
		res.Outcome = OutcomePreserved
		res.Similarity = 1.0
		return res
	}

	if strings.Contains(haystack, needle) {
		res.Outcome = OutcomePreserved
		res.Similarity = 1.0
		return res
	}

	if len(needle) < longNeedle {
		best := bestWindowSimilarity(needle, haystack)
		res.Similarity = best
		switch {
		case best >= opts.WarnSimilarity:
			res.Outcome = OutcomePreservedModified
		case best >= opts.MinSimilarity:
			res.Outcome = OutcomeWarningModified
		default:
			res.Outcome = OutcomeMissing
			return res
		}
		if opts.StrictMode {
			res.Outcome = OutcomeMissingStrict
		}
		return res
	}

	// Long content: require its sentences to appear individually.
	matched, total := matchSentences(needle, haystack, opts.MinSimilarity)
	if total == 0 {
		res.Outcome = OutcomeMissing
		return res
	}
	frac := float64(matched) / float64(total)
	res.Similarity = frac
	if frac >= opts.MinSimilarity {
		res.Outcome = OutcomeStructural
		return res
	}
	res.Outcome = OutcomeMissing
	return res
}

// bestWindowSimilarity slides windows of the needle's length (and 1.5x it)
// across the haystack, keeping the best edit-distance similarity.
func bestWindowSimilarity(needle, haystack string) float64 {
	best := 0.0
	for _, width := range []int{len(needle), len(needle) * 3 / 2} {
		if width > len(haystack) {
			width = len(haystack)
		}
		if width == 0 {
			continue
		}
		for i := 0; i+width <= len(haystack); i++ {
			sim := similarity(needle, haystack[i:i+width])
			if sim > best {
				best = sim
			}
			if best == 1.0 {
				return best
			}
		}
	}
	return best
}

func similarity(a, b string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.Distance(a, b, nil)
	return 1.0 - float64(dist)/float64(maxLen)
}

var sentenceSplitRe = regexp.MustCompile(`[.!?]+`)

// matchSentences counts needle sentences (>= 10 chars) found in the
// haystack, exactly or fuzzily.
func matchSentences(needle, haystack string, minSimilarity float64) (matched, total int) {
	for _, s := range sentenceSplitRe.Split(needle, -1) {
		s = strings.TrimSpace(s)
		if len(s) < 10 {
			continue
		}
		total++
		if strings.Contains(haystack, s) || bestWindowSimilarity(s, haystack) >= minSimilarity {
			matched++
		}
	}
	return matched, total
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalize lowercases and collapses whitespace on both sides of a match.
func normalize(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(s), " "))
}
