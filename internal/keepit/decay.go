package keepit

import "math"

// Level is the decay aggressiveness bucket. Empty means "infer from ratio".
type Level string

const (
	LevelLight      Level = "light"
	LevelModerate   Level = "moderate"
	LevelAggressive Level = "aggressive"
)

// InferLevel maps a compression ratio onto a decay level when the caller
// did not pass one explicitly.
func InferLevel(ratio float64) Level {
	switch {
	case ratio <= 5:
		return LevelLight
	case ratio <= 15:
		return LevelModerate
	default:
		return LevelAggressive
	}
}

func baseThreshold(level Level) float64 {
	switch level {
	case LevelLight:
		return 0.1
	case LevelAggressive:
		return 0.5
	default:
		return 0.3
	}
}

// SurvivalThreshold computes the weight a marker must meet to survive a
// compression at the given ratio, `distance` sessions away from the
// current one. Capped at 0.99 so pinned markers always clear it.
func SurvivalThreshold(ratio, distance float64, level Level) float64 {
	if level == "" {
		level = InferLevel(ratio)
	}
	t := baseThreshold(level) + (math.Min(ratio, 100)/100)*(math.Min(distance, 10)/10)
	return math.Min(t, 0.99)
}

// ShouldSurvive reports whether a marker of the given weight survives.
// Pinned markers (weight >= 1.0) always do.
func ShouldSurvive(weight, distance, ratio float64, level Level) bool {
	if weight >= 1.0 {
		return true
	}
	return weight >= SurvivalThreshold(ratio, distance, level)
}

// Decision is the decay verdict for one marker.
type Decision struct {
	MarkerID  string  `json:"markerId"`
	Weight    float64 `json:"weight"`
	Threshold float64 `json:"threshold"`
	Survives  bool    `json:"survives"`
}

// DecayPreview summarizes decay over a marker set. Deterministic: depends
// only on each marker's weight plus (ratio, distance, level).
type DecayPreview struct {
	Survived   int        `json:"survived"`
	Summarized int        `json:"summarized"`
	Decisions  []Decision `json:"decisions"`
}

// PreviewDecay applies the survival rule to every marker.
func PreviewDecay(markers []Marker, ratio, distance float64, level Level) DecayPreview {
	p := DecayPreview{Decisions: make([]Decision, 0, len(markers))}
	threshold := SurvivalThreshold(ratio, distance, level)
	for _, m := range markers {
		d := Decision{
			MarkerID:  m.MarkerID,
			Weight:    m.Weight,
			Threshold: threshold,
			Survives:  ShouldSurvive(m.Weight, distance, ratio, level),
		}
		if d.Survives {
			p.Survived++
		} else {
			p.Summarized++
		}
		p.Decisions = append(p.Decisions, d)
	}
	return p
}
