// Package compose plans and assembles budget-bounded contexts out of
// compression versions across sessions: scoring candidate versions,
// splitting the token budget, and writing the composed artifacts with
// full provenance.
package compose

import (
	"math"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
)

// Criteria tune version scoring.
type Criteria struct {
	MaxTokens       int
	PreferredRatio  float64
	PreserveKeepits bool
	PreferRecent    bool
}

// partScoreThreshold is the minimum score a version needs to serve a part.
const partScoreThreshold = 0.3

// autoSelectThreshold is the minimum score for auto-select to reuse an
// existing version instead of creating a new compression.
const autoSelectThreshold = 0.5

// ScoreVersion rates how well a version fits the criteria, in (0, 1].
// Each criterion multiplies the score down from 1.0.
func ScoreVersion(rec *manifest.CompressionRecord, crit Criteria, now time.Time) float64 {
	score := 1.0

	if crit.MaxTokens > 0 {
		if rec.OutputTokens > crit.MaxTokens {
			score *= 0.1
		} else {
			// Prefer high utilization of the available budget.
			score *= 0.5 + 0.5*float64(rec.OutputTokens)/float64(crit.MaxTokens)
		}
	}
	if crit.PreferredRatio > 0 {
		score *= math.Max(0.5, 1-math.Abs(rec.CompressionRatio-crit.PreferredRatio)/50)
	}
	if crit.PreserveKeepits {
		if total := rec.KeepitStats.Preserved + rec.KeepitStats.Summarized; total > 0 {
			preserved := float64(rec.KeepitStats.Preserved) / float64(total)
			score *= 0.5 + 0.5*preserved
		}
	}
	if crit.PreferRecent {
		ageDays := now.Sub(rec.CreatedAt).Hours() / 24
		score *= math.Max(0.9, 1-ageDays/300)
	}
	return score
}

// bestVersion returns the highest-scoring record and its score; nil when
// the list is empty.
func bestVersion(recs []*manifest.CompressionRecord, crit Criteria, now time.Time) (*manifest.CompressionRecord, float64) {
	var best *manifest.CompressionRecord
	bestScore := 0.0
	for _, rec := range recs {
		if s := ScoreVersion(rec, crit, now); best == nil || s > bestScore {
			best, bestScore = rec, s
		}
	}
	return best, bestScore
}
