package compose

import (
	"log/slog"
	"sort"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/version"
)

// PartChoice is the picked version for one part of a session. Record is
// always set; a session with no compressed parts at all is reported via
// PartPlan.UsesOriginal instead.
type PartChoice struct {
	PartNumber int
	Record     *manifest.CompressionRecord
	Tokens     int
	Score      float64
}

// PartPlan is the part composer's output for one session.
type PartPlan struct {
	Choices     []PartChoice
	TotalTokens int
	// UsesOriginal is set when the session has no compressed parts at all.
	UsesOriginal bool
}

// ComposeParts divides maxTokens equally across the session's parts and
// picks, per part, the highest-scoring version clearing the threshold.
// Parts where nothing qualifies fall back to that part's most compressed
// version so the plan always covers the whole session.
func ComposeParts(sess *manifest.SessionEntry, maxTokens int, preserveKeepits bool, now time.Time) PartPlan {
	byPart := map[int][]*manifest.CompressionRecord{}
	for i := range sess.Compressions {
		rec := &sess.Compressions[i]
		part := rec.PartNumber
		if part == 0 {
			part = 1
		}
		byPart[part] = append(byPart[part], rec)
	}
	if len(byPart) == 0 {
		return PartPlan{UsesOriginal: true, TotalTokens: sess.OriginalTokens}
	}

	parts := make([]int, 0, len(byPart))
	for p := range byPart {
		parts = append(parts, p)
	}
	sort.Ints(parts)

	perPart := maxTokens / len(parts)
	crit := Criteria{MaxTokens: perPart, PreserveKeepits: preserveKeepits, PreferRecent: true}

	plan := PartPlan{}
	for _, p := range parts {
		best, score := bestVersion(byPart[p], crit, now)
		if score < partScoreThreshold {
			fallback := mostCompressed(byPart[p])
			slog.Debug("no version cleared the part threshold; using most compressed",
				"session", sess.SessionID, "part", p,
				"bestScore", score, "fallback", fallback.VersionID)
			best = fallback
			score = ScoreVersion(best, crit, now)
		}
		plan.Choices = append(plan.Choices, PartChoice{
			PartNumber: p,
			Record:     best,
			Tokens:     best.OutputTokens,
			Score:      score,
		})
		plan.TotalTokens += best.OutputTokens
	}
	return plan
}

// Selections renders the plan as manifest provenance records.
func (p PartPlan) Selections() []manifest.PartSelection {
	if p.UsesOriginal {
		return []manifest.PartSelection{{
			PartNumber: 1,
			VersionID:  version.OriginalVersionID,
			Tokens:     p.TotalTokens,
		}}
	}
	out := make([]manifest.PartSelection, 0, len(p.Choices))
	for _, c := range p.Choices {
		out = append(out, manifest.PartSelection{
			PartNumber: c.PartNumber,
			VersionID:  c.Record.VersionID,
			Tokens:     c.Tokens,
		})
	}
	return out
}

func mostCompressed(recs []*manifest.CompressionRecord) *manifest.CompressionRecord {
	best := recs[0]
	for _, rec := range recs[1:] {
		if rec.CompressionRatio > best.CompressionRatio {
			best = rec
		}
	}
	return best
}
