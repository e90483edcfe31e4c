package keepit

import (
	"strings"
	"testing"
)

func decideAll(markers []Marker, survives bool) []Decision {
	out := make([]Decision, len(markers))
	for i, m := range markers {
		out[i] = Decision{MarkerID: m.MarkerID, Weight: m.Weight, Survives: survives}
	}
	return out
}

func TestVerifyExactAfterNormalization(t *testing.T) {
	// Case and whitespace differences normalize away.
	markers := []Marker{{MarkerID: "m1", Content: "the quick brown fox jumps over the lazy dog"}}
	compressed := "Summary: The Quick Brown Fox Jumps Over The Lazy Dog. More text."
	report := Verify(markers, decideAll(markers, true), compressed, VerifyOptions{})
	if len(report.Verified) != 1 || !report.Pass {
		t.Fatalf("report = %+v, want exact preserved", report)
	}
	if report.Verified[0].Outcome != OutcomePreserved || report.Verified[0].Similarity != 1.0 {
		t.Errorf("result = %+v", report.Verified[0])
	}
}

func TestVerifyFuzzyModified(t *testing.T) {
	markers := []Marker{{MarkerID: "m1", Content: "alpha bravo charlie delta echo"}}
	// Single character altered: similar but not an exact substring.
	compressed := "notes: alpha bravo charlie delts echo and other details"
	report := Verify(markers, decideAll(markers, true), compressed, VerifyOptions{})
	if len(report.Modified) != 1 {
		t.Fatalf("report = %+v, want one modified", report)
	}
	if got := report.Modified[0].Outcome; got != OutcomePreservedModified {
		t.Errorf("outcome = %v, want preserved_modified", got)
	}
	if !report.Pass {
		t.Errorf("modified match must not fail verification")
	}
}

func TestVerifyMissing(t *testing.T) {
	markers := []Marker{{MarkerID: "m1", Content: "completely absent content block"}}
	report := Verify(markers, decideAll(markers, true), "unrelated summary text", VerifyOptions{})
	if len(report.Missing) != 1 || report.Pass {
		t.Fatalf("report = %+v, want one missing and fail", report)
	}
}

func TestVerifyStrictMode(t *testing.T) {
	markers := []Marker{{MarkerID: "m1", Content: "alpha bravo charlie delta echo"}}
	compressed := "notes: alpha bravo charlie delts echo"
	report := Verify(markers, decideAll(markers, true), compressed, VerifyOptions{StrictMode: true})
	if len(report.Missing) != 1 {
		t.Fatalf("report = %+v, want strict-mode missing", report)
	}
	if report.Missing[0].Outcome != OutcomeMissingStrict {
		t.Errorf("outcome = %v, want missing_strict_mode", report.Missing[0].Outcome)
	}
}

func TestVerifySkipsSummarizedMarkers(t *testing.T) {
	markers := []Marker{{MarkerID: "m1", Content: "gone"}}
	report := Verify(markers, decideAll(markers, false), "anything", VerifyOptions{})
	if len(report.Verified)+len(report.Modified)+len(report.Missing) != 0 {
		t.Fatalf("summarized markers must not be verified: %+v", report)
	}
	if !report.Pass {
		t.Errorf("empty verification should pass")
	}
}

func TestVerifyStructuralLongContent(t *testing.T) {
	sentences := []string{
		"the database migration completed without any data loss.",
		"all fourteen services were restarted in dependency order.",
		"the cache warmup took eleven minutes to finish completely.",
	}
	content := strings.Join(sentences, " ")
	if len(content) < longNeedle {
		t.Fatalf("fixture too short for structural path: %d", len(content))
	}
	markers := []Marker{{MarkerID: "m1", Content: content}}
	// Sentences present but reordered and separated.
	compressed := sentences[2] + " interleaved notes. " + sentences[0] + " more. " + sentences[1]
	report := Verify(markers, decideAll(markers, true), compressed, VerifyOptions{})
	if len(report.Verified) != 1 {
		t.Fatalf("report = %+v, want structural verified", report)
	}
	if report.Verified[0].Outcome != OutcomeStructural {
		t.Errorf("outcome = %v, want structural", report.Verified[0].Outcome)
	}
}
