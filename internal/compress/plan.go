package compress

import (
	"math"

	"github.com/nextlevelbuilder/clawmem/internal/keepit"
	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

// batch is one summarizer call: a contiguous message slice and its target.
type batch struct {
	Messages       []transcript.Message
	Target         int
	Ratio          float64
	Aggressiveness manifest.Aggressiveness
	Tier           int // 1-based for tiered runs, 0 for uniform
}

// planBatches partitions the input according to the settings. Uniform mode
// yields one batch; tiered mode yields one batch per band, older bands
// compressing harder. Ratio 1 means verbosity reduction: same message
// count, tighter text.
func planBatches(msgs []transcript.Message, settings *manifest.CompressionSettings) []batch {
	n := len(msgs)
	if n == 0 {
		return nil
	}

	if settings.Mode == manifest.ModeUniform {
		return []batch{{
			Messages:       msgs,
			Target:         targetFor(n, settings.CompactionRatio),
			Ratio:          settings.CompactionRatio,
			Aggressiveness: settings.Aggressiveness,
		}}
	}

	tiers := settings.ResolvedTiers()
	var batches []batch
	start := 0
	for i, tier := range tiers {
		end := n * tier.EndPercent / 100
		if i == len(tiers)-1 {
			end = n
		}
		if end <= start {
			continue
		}
		agg := tier.Aggressiveness
		if agg == "" {
			agg = manifest.AggressivenessModerate
		}
		batches = append(batches, batch{
			Messages:       msgs[start:end],
			Target:         targetFor(end-start, tier.CompactionRatio),
			Ratio:          tier.CompactionRatio,
			Aggressiveness: agg,
			Tier:           i + 1,
		})
		start = end
	}
	return batches
}

// targetFor is the output message count for a batch: ceil(n/ratio),
// never below 1. Ratio 1 preserves the count.
func targetFor(n int, ratio float64) int {
	if ratio <= 1 {
		return n
	}
	t := int(math.Ceil(float64(n) / ratio))
	if t < 1 {
		t = 1
	}
	return t
}

// effectiveRatio is the whole-run ratio used for decay decisions: the
// uniform ratio, or the message-weighted mean across tiers.
func effectiveRatio(msgs []transcript.Message, settings *manifest.CompressionSettings) float64 {
	if settings.Mode == manifest.ModeUniform {
		return settings.CompactionRatio
	}
	total := 0.0
	weighted := 0.0
	for _, b := range planBatches(msgs, settings) {
		total += float64(len(b.Messages))
		weighted += float64(len(b.Messages)) * b.Ratio
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// decayLevel maps summarization aggressiveness onto keepit decay levels.
func decayLevel(agg manifest.Aggressiveness) keepit.Level {
	switch agg {
	case manifest.AggressivenessMinimal:
		return keepit.LevelLight
	case manifest.AggressivenessAggressive:
		return keepit.LevelAggressive
	default:
		return keepit.LevelModerate
	}
}
