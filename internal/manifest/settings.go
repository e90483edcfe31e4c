package manifest

import (
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// validPresets are the project-level default compression presets.
var validPresets = map[string]bool{
	"light": true, "standard": true, "aggressive": true, "custom": true,
}

// tierPresets define the built-in tiered plans. Earlier (older) bands of
// the session compress harder than the tail.
var tierPresets = map[string][]Tier{
	"gentle": {
		{EndPercent: 50, CompactionRatio: 5, Aggressiveness: AggressivenessModerate},
		{EndPercent: 80, CompactionRatio: 3, Aggressiveness: AggressivenessMinimal},
		{EndPercent: 100, CompactionRatio: 2, Aggressiveness: AggressivenessMinimal},
	},
	"standard": {
		{EndPercent: 50, CompactionRatio: 10, Aggressiveness: AggressivenessAggressive},
		{EndPercent: 80, CompactionRatio: 5, Aggressiveness: AggressivenessModerate},
		{EndPercent: 100, CompactionRatio: 3, Aggressiveness: AggressivenessMinimal},
	},
	"aggressive": {
		{EndPercent: 50, CompactionRatio: 20, Aggressiveness: AggressivenessAggressive},
		{EndPercent: 80, CompactionRatio: 10, Aggressiveness: AggressivenessAggressive},
		{EndPercent: 100, CompactionRatio: 5, Aggressiveness: AggressivenessModerate},
	},
}

// TiersForPreset resolves a named tier preset. ok=false for unknown names.
func TiersForPreset(preset string) ([]Tier, bool) {
	tiers, ok := tierPresets[preset]
	return tiers, ok
}

var validModels = map[string]bool{"opus": true, "sonnet": true, "haiku": true}

// Validate rejects impossible compression settings with invalid_settings.
func (s *CompressionSettings) Validate() error {
	bad := func(format string, args ...any) error {
		return memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings, format, args...)
	}

	switch s.Mode {
	case ModeUniform:
		// Ratio 0 (pass-through) and 1 (verbosity reduction) are special;
		// everything else must land in [2, 50].
		if s.CompactionRatio != 0 && s.CompactionRatio != 1 &&
			(s.CompactionRatio < 2 || s.CompactionRatio > 50) {
			return bad("compactionRatio %v outside [2, 50]", s.CompactionRatio)
		}
		switch s.Aggressiveness {
		case AggressivenessMinimal, AggressivenessModerate, AggressivenessAggressive:
		case "":
			s.Aggressiveness = AggressivenessModerate
		default:
			return bad("unknown aggressiveness %q", s.Aggressiveness)
		}
	case ModeTiered:
		if s.TierPreset != "" {
			if _, ok := TiersForPreset(s.TierPreset); !ok {
				return bad("unknown tierPreset %q", s.TierPreset)
			}
		} else if len(s.Tiers) == 0 {
			return bad("tiered mode requires tierPreset or custom tiers")
		}
		for i, tier := range s.Tiers {
			if tier.EndPercent < 1 || tier.EndPercent > 100 {
				return bad("tier %d endPercent %d outside [1, 100]", i, tier.EndPercent)
			}
			if tier.CompactionRatio < 2 || tier.CompactionRatio > 50 {
				return bad("tier %d compactionRatio %v outside [2, 50]", i, tier.CompactionRatio)
			}
			switch tier.Aggressiveness {
			case "", AggressivenessMinimal, AggressivenessModerate, AggressivenessAggressive:
			default:
				return bad("tier %d unknown aggressiveness %q", i, tier.Aggressiveness)
			}
		}
	default:
		return bad("unknown mode %q", s.Mode)
	}

	if s.Model != "" && !validModels[s.Model] {
		return bad("unknown model %q", s.Model)
	}
	if s.SkipFirstMessages < 0 {
		return bad("skipFirstMessages must be >= 0")
	}
	switch s.KeepitMode {
	case KeepitPreserveAll, KeepitDecay, KeepitIgnore:
	case "":
		s.KeepitMode = KeepitDecay
	default:
		return bad("unknown keepitMode %q", s.KeepitMode)
	}
	if s.SessionDistance < 0 {
		return bad("sessionDistance must be >= 0")
	}
	return nil
}

// ResolvedTiers returns the concrete tier plan for tiered settings.
func (s *CompressionSettings) ResolvedTiers() []Tier {
	if s.Mode != ModeTiered {
		return nil
	}
	if len(s.Tiers) > 0 {
		return s.Tiers
	}
	tiers, _ := TiersForPreset(s.TierPreset)
	return tiers
}

// Level derives the coarse compression level from settings: uniform
// aggressiveness maps directly, tiered presets by name, custom tiers
// default to moderate.
func (s *CompressionSettings) Level() CompressionLevel {
	if s.Mode == ModeUniform {
		switch s.Aggressiveness {
		case AggressivenessMinimal:
			return LevelLight
		case AggressivenessAggressive:
			return LevelAggressive
		default:
			return LevelModerate
		}
	}
	switch s.TierPreset {
	case "gentle":
		return LevelLight
	case "aggressive":
		return LevelAggressive
	case "standard":
		return LevelModerate
	default:
		return LevelModerate
	}
}

// PresetName is the settings component of the version filename.
func (s *CompressionSettings) PresetName() string {
	if s.Mode == ModeTiered {
		if s.TierPreset != "" {
			return s.TierPreset
		}
		return "custom"
	}
	if s.Aggressiveness == "" {
		return string(AggressivenessModerate)
	}
	return string(s.Aggressiveness)
}
