// Package keepit implements the inline preservation markers: extraction
// from message text, weight decay across compressions, and fuzzy
// verification that surviving content made it into compressed output.
//
// Marker syntax: ##keepitW.WW##content, with a two-decimal weight in [0.00, 1.00];
// content terminated by the next marker, a blank line, or end of text.
// Weight 1.00 is pinned and always survives.
package keepit

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// WeightChange is one entry in a marker's weight audit trail.
type WeightChange struct {
	From      float64   `json:"from"`
	To        float64   `json:"to"`
	ChangedAt time.Time `json:"changedAt"`
}

// Marker is the manifest-level record of one keepit occurrence.
type Marker struct {
	MarkerID      string         `json:"markerId"`
	MessageUUID   string         `json:"messageUuid"`
	Weight        float64        `json:"weight"`
	Content       string         `json:"content"`
	Position      int            `json:"position"`
	ContextBefore string         `json:"contextBefore,omitempty"`
	ContextAfter  string         `json:"contextAfter,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	SurvivedIn    []string       `json:"survivedIn"`
	SummarizedIn  []string       `json:"summarizedIn"`
	WeightHistory []WeightChange `json:"weightHistory,omitempty"`
}

// Pinned reports whether the marker always survives decay.
func (m Marker) Pinned() bool { return m.Weight >= 1.0 }

const contextExcerptLen = 50

// Normalize wraps a raw extraction into a manifest-ready marker record.
func Normalize(raw RawMarker, messageUUID, messageText string, now time.Time) Marker {
	before := raw.StartIndex - contextExcerptLen
	if before < 0 {
		before = 0
	}
	after := raw.EndIndex + contextExcerptLen
	if after > len(messageText) {
		after = len(messageText)
	}
	return Marker{
		MarkerID:      "keepit_" + uuid.NewString(),
		MessageUUID:   messageUUID,
		Weight:        raw.Weight,
		Content:       raw.Content,
		Position:      raw.StartIndex,
		ContextBefore: messageText[before:raw.StartIndex],
		ContextAfter:  messageText[raw.EndIndex:after],
		CreatedAt:     now,
		SurvivedIn:    []string{},
		SummarizedIn:  []string{},
	}
}

// round2 rounds to two decimals, half away from zero.
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
