package keepit

import (
	"math"
	"testing"
)

func TestInferLevel(t *testing.T) {
	tests := []struct {
		ratio float64
		want  Level
	}{
		{2, LevelLight},
		{5, LevelLight},
		{5.1, LevelModerate},
		{15, LevelModerate},
		{16, LevelAggressive},
		{100, LevelAggressive},
	}
	for _, tt := range tests {
		if got := InferLevel(tt.ratio); got != tt.want {
			t.Errorf("InferLevel(%v) = %v, want %v", tt.ratio, got, tt.want)
		}
	}
}

func TestSurvivalThreshold(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		distance float64
		level    Level
		want     float64
	}{
		{"aggressive zero distance", 20, 0, LevelAggressive, 0.5},
		{"light with distance", 10, 5, LevelLight, 0.1 + 0.1*0.5},
		{"ratio capped at 100", 500, 10, LevelModerate, 0.99}, // 0.3+1.0 capped
		{"distance capped at 10", 50, 50, LevelLight, 0.1 + 0.5},
		{"inferred aggressive", 20, 0, "", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SurvivalThreshold(tt.ratio, tt.distance, tt.level)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("SurvivalThreshold(%v, %v, %v) = %v, want %v", tt.ratio, tt.distance, tt.level, got, tt.want)
			}
		})
	}
}

// Threshold never exceeds 0.99 and is monotonic in ratio and distance.
func TestSurvivalThresholdBounds(t *testing.T) {
	levels := []Level{LevelLight, LevelModerate, LevelAggressive}
	for _, level := range levels {
		prev := 0.0
		for ratio := 0.0; ratio <= 200; ratio += 10 {
			got := SurvivalThreshold(ratio, 10, level)
			if got > 0.99 {
				t.Fatalf("threshold %v exceeds cap at ratio %v level %v", got, ratio, level)
			}
			if got < prev {
				t.Fatalf("threshold not monotonic in ratio at %v level %v", ratio, level)
			}
			prev = got
		}
		prev = 0.0
		for dist := 0.0; dist <= 20; dist++ {
			got := SurvivalThreshold(30, dist, level)
			if got < prev {
				t.Fatalf("threshold not monotonic in distance at %v level %v", dist, level)
			}
			prev = got
		}
	}
}

// Pinned markers survive every combination.
func TestPinnedAlwaysSurvives(t *testing.T) {
	for _, ratio := range []float64{0, 1, 20, 50, 100, 1000} {
		for _, dist := range []float64{0, 1, 10, 100} {
			for _, level := range []Level{"", LevelLight, LevelModerate, LevelAggressive} {
				if !ShouldSurvive(1.00, dist, ratio, level) {
					t.Fatalf("pinned marker did not survive ratio=%v dist=%v level=%v", ratio, dist, level)
				}
			}
		}
	}
}

func TestPreviewDecay(t *testing.T) {
	markers := []Marker{
		{MarkerID: "a", Weight: 1.00},
		{MarkerID: "b", Weight: 0.20},
		{MarkerID: "c", Weight: 0.60},
	}
	// aggressive, ratio 20, distance 0: threshold 0.5
	p := PreviewDecay(markers, 20, 0, LevelAggressive)
	if p.Survived != 2 || p.Summarized != 1 {
		t.Fatalf("PreviewDecay() survived=%d summarized=%d, want 2/1", p.Survived, p.Summarized)
	}
	if !p.Decisions[0].Survives || p.Decisions[1].Survives || !p.Decisions[2].Survives {
		t.Errorf("decisions = %+v", p.Decisions)
	}

	// Deterministic across calls.
	again := PreviewDecay(markers, 20, 0, LevelAggressive)
	for i := range p.Decisions {
		if p.Decisions[i] != again.Decisions[i] {
			t.Fatalf("PreviewDecay not deterministic at %d", i)
		}
	}
}
