package keepit

import (
	"testing"
	"time"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []RawMarker
	}{
		{
			name: "single marker to end of text",
			text: "##keepit0.80##remember the port is 8443",
			want: []RawMarker{{Weight: 0.80, Content: "remember the port is 8443"}},
		},
		{
			name: "terminated by blank line",
			text: "##keepit0.50##first fact\n\nunrelated text",
			want: []RawMarker{{Weight: 0.50, Content: "first fact"}},
		},
		{
			name: "terminated by next marker",
			text: "##keepit1.00##ALPHA ##keepit0.20##BETA",
			want: []RawMarker{
				{Weight: 1.00, Content: "ALPHA"},
				{Weight: 0.20, Content: "BETA"},
			},
		},
		{
			name: "no markers",
			text: "plain conversation text",
			want: nil,
		},
		{
			name: "malformed weight is not extracted",
			text: "##keepit0.8##one decimal only",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("Extract() returned %d markers, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Weight != tt.want[i].Weight {
					t.Errorf("marker %d weight = %v, want %v", i, got[i].Weight, tt.want[i].Weight)
				}
				if got[i].Content != tt.want[i].Content {
					t.Errorf("marker %d content = %q, want %q", i, got[i].Content, tt.want[i].Content)
				}
			}
		})
	}
}

func TestExtractPositions(t *testing.T) {
	text := "prefix ##keepit0.70##the content here\nmore"
	got := Extract(text)
	if len(got) != 1 {
		t.Fatalf("Extract() = %+v, want 1 marker", got)
	}
	m := got[0]
	if text[m.StartIndex:m.EndIndex] != m.Content {
		t.Errorf("offsets [%d:%d] = %q, want %q", m.StartIndex, m.EndIndex, text[m.StartIndex:m.EndIndex], m.Content)
	}
}

func TestValidateWeight(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
	}{
		{"valid float", 0.75, 0.75},
		{"string", "0.30", 0.30},
		{"clamp high", 3.5, 1.0},
		{"clamp low", -0.2, 0.0},
		{"rounding", 0.666, 0.67},
		{"garbage string", "heavy", 0.50},
		{"nil", nil, 0.50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateWeight(tt.in); got != tt.want {
				t.Errorf("ValidateWeight(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// Idempotence: validating a validated weight is a no-op.
func TestValidateWeightIdempotent(t *testing.T) {
	for _, in := range []any{0.123, "0.99", 7.0, "junk", -1.5} {
		once := ValidateWeight(in)
		twice := ValidateWeight(once)
		if once != twice {
			t.Errorf("ValidateWeight not idempotent for %v: %v then %v", in, once, twice)
		}
	}
}

// Round-trip law: stripping a created marker yields the bare content.
func TestCreateStripRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		weight  float64
		content string
		tail    string
	}{
		{0.80, "keep this", " and a tail"},
		{1.00, "pinned", ""},
		{0.05, "low weight", "\nmore text"},
	} {
		text := CreateMarker(tt.weight, tt.content) + tt.tail
		if got, want := StripMarkers(text), tt.content+tt.tail; got != want {
			t.Errorf("StripMarkers(CreateMarker(%v, %q)+tail) = %q, want %q", tt.weight, tt.content, got, want)
		}
	}
}

func TestUpdateWeight(t *testing.T) {
	text := "intro ##keepit0.40##the fact\nrest"
	got := UpdateWeight(text, "the fact", 0.40, 0.90)
	want := "intro ##keepit0.90##the fact\nrest"
	if got != want {
		t.Errorf("UpdateWeight() = %q, want %q", got, want)
	}
	if unchanged := UpdateWeight(text, "missing", 0.40, 0.90); unchanged != text {
		t.Errorf("UpdateWeight() modified text without a matching marker")
	}
}

func TestValidateSyntax(t *testing.T) {
	issues := ValidateSyntax("ok ##keepit0.50##fine ##keepit0.5##bad ##keepit9.00##range")
	if len(issues) != 2 {
		t.Fatalf("ValidateSyntax() = %+v, want 2 issues", issues)
	}
	if issues[0].Reason != "weight must have exactly two decimals" {
		t.Errorf("issue 0 reason = %q", issues[0].Reason)
	}
	if issues[1].Reason != "weight out of range [0.00, 1.00]" {
		t.Errorf("issue 1 reason = %q", issues[1].Reason)
	}
}

func TestNormalize(t *testing.T) {
	text := "some long prefix text ##keepit0.60##central fact with trailing context here"
	raw := Extract(text)[0]
	m := Normalize(raw, "uuid-1", text, time.Unix(100, 0))
	if m.MessageUUID != "uuid-1" || m.Weight != 0.60 {
		t.Fatalf("Normalize() = %+v", m)
	}
	if m.MarkerID == "" || m.MarkerID[:7] != "keepit_" {
		t.Errorf("marker id %q missing keepit_ prefix", m.MarkerID)
	}
	if len(m.ContextBefore) > 50 || len(m.ContextAfter) > 50 {
		t.Errorf("context excerpts exceed 50 chars: %q / %q", m.ContextBefore, m.ContextAfter)
	}
}
