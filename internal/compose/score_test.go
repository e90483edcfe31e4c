package compose

import (
	"math"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
)

var scoreNow = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func rec(tokens int, ratio float64, preserved, summarized int, age time.Duration) *manifest.CompressionRecord {
	return &manifest.CompressionRecord{
		VersionID:        "v001",
		OutputTokens:     tokens,
		CompressionRatio: ratio,
		KeepitStats:      manifest.KeepitStats{Preserved: preserved, Summarized: summarized},
		CreatedAt:        scoreNow.Add(-age),
	}
}

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScoreVersion(t *testing.T) {
	tests := []struct {
		name string
		rec  *manifest.CompressionRecord
		crit Criteria
		want float64
	}{
		{
			name: "no criteria",
			rec:  rec(1000, 5, 0, 0, 0),
			crit: Criteria{},
			want: 1.0,
		},
		{
			name: "over budget collapses",
			rec:  rec(2000, 5, 0, 0, 0),
			crit: Criteria{MaxTokens: 1000},
			want: 0.1,
		},
		{
			name: "full utilization",
			rec:  rec(1000, 5, 0, 0, 0),
			crit: Criteria{MaxTokens: 1000},
			want: 1.0,
		},
		{
			name: "half utilization",
			rec:  rec(500, 5, 0, 0, 0),
			crit: Criteria{MaxTokens: 1000},
			want: 0.75,
		},
		{
			name: "ratio mismatch floors at half",
			rec:  rec(0, 50, 0, 0, 0),
			crit: Criteria{PreferredRatio: 2},
			want: 0.5,
		},
		{
			name: "keepit fraction",
			rec:  rec(0, 0, 3, 1, 0),
			crit: Criteria{PreserveKeepits: true},
			want: 0.5 + 0.5*0.75,
		},
		{
			name: "keepits requested but none recorded",
			rec:  rec(0, 0, 0, 0, 0),
			crit: Criteria{PreserveKeepits: true},
			want: 1.0,
		},
		{
			name: "recency floor",
			rec:  rec(0, 0, 0, 0, 400*24*time.Hour),
			crit: Criteria{PreferRecent: true},
			want: 0.9,
		},
		{
			name: "fresh version keeps full recency",
			rec:  rec(0, 0, 0, 0, 0),
			crit: Criteria{PreferRecent: true},
			want: 1.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreVersion(tt.rec, tt.crit, scoreNow)
			if !almost(got, tt.want) {
				t.Errorf("ScoreVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllocateBudgetProportional(t *testing.T) {
	// Three sessions at 1:3:1 under a 10k budget leave 9850 after
	// overhead, split 1970 / 5910 / 1970.
	inputs := []allocInput{
		{OriginalTokens: 5000},
		{OriginalTokens: 15000},
		{OriginalTokens: 5000},
	}
	shares, err := AllocateBudget(inputs, StrategyProportional, 10000)
	if err != nil {
		t.Fatalf("AllocateBudget() failed: %v", err)
	}
	want := []int{1970, 5910, 1970}
	for i := range want {
		if shares[i] != want[i] {
			t.Errorf("share[%d] = %d, want %d", i, shares[i], want[i])
		}
	}
}

func TestAllocateBudgetStrategies(t *testing.T) {
	inputs := []allocInput{{OriginalTokens: 100}, {OriginalTokens: 100}}

	equal, err := AllocateBudget(inputs, StrategyEqual, 2100)
	if err != nil || equal[0] != 1000 || equal[1] != 1000 {
		t.Errorf("equal = %v, %v", equal, err)
	}

	rec, err := AllocateBudget(inputs, StrategyRecency, 2100)
	if err != nil || rec[1] <= rec[0] {
		t.Errorf("recency = %v, %v", rec, err)
	}

	inv, err := AllocateBudget(inputs, StrategyInverseRecency, 2100)
	if err != nil || inv[0] <= inv[1] {
		t.Errorf("inverse-recency = %v, %v", inv, err)
	}

	custom, err := AllocateBudget([]allocInput{{Weight: 3}, {Weight: 1}}, StrategyCustom, 2100)
	if err != nil || custom[0] != 1500 || custom[1] != 500 {
		t.Errorf("custom = %v, %v", custom, err)
	}

	if _, err := AllocateBudget([]allocInput{{Weight: 0}}, StrategyCustom, 2000); err == nil {
		t.Errorf("custom without weights accepted")
	}
	if _, err := AllocateBudget(inputs, StrategyEqual, 101); err == nil {
		t.Errorf("impossible budget accepted")
	}
	if _, err := AllocateBudget(inputs, "mystery", 2000); err == nil {
		t.Errorf("unknown strategy accepted")
	}
}

func TestAllocateBudgetSumsToDistributable(t *testing.T) {
	inputs := []allocInput{
		{OriginalTokens: 7}, {OriginalTokens: 11}, {OriginalTokens: 13},
	}
	shares, err := AllocateBudget(inputs, StrategyProportional, 5000)
	if err != nil {
		t.Fatal(err)
	}
	sum := 0
	for _, s := range shares {
		sum += s
	}
	if want := 5000 - 3*componentOverhead; sum != want {
		t.Errorf("sum = %d, want %d", sum, want)
	}
}

func TestSuggestAllocation(t *testing.T) {
	tests := []struct {
		name   string
		inputs []allocInput
		want   string
	}{
		{
			name:   "lopsided sessions",
			inputs: []allocInput{{OriginalTokens: 1000}, {OriginalTokens: 5000}},
			want:   StrategyProportional,
		},
		{
			name: "many balanced sessions",
			inputs: []allocInput{
				{OriginalTokens: 100}, {OriginalTokens: 110}, {OriginalTokens: 100},
				{OriginalTokens: 120}, {OriginalTokens: 100}, {OriginalTokens: 90},
			},
			want: StrategyRecency,
		},
		{
			name:   "few balanced sessions",
			inputs: []allocInput{{OriginalTokens: 100}, {OriginalTokens: 120}},
			want:   StrategyEqual,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SuggestAllocation(tt.inputs); got != tt.want {
				t.Errorf("SuggestAllocation() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComposeParts(t *testing.T) {
	sess := &manifest.SessionEntry{
		SessionID:      "s1",
		OriginalTokens: 50000,
		Compressions: []manifest.CompressionRecord{
			{VersionID: "v001", PartNumber: 1, OutputTokens: 900, CompressionRatio: 10, CreatedAt: scoreNow},
			{VersionID: "v002", PartNumber: 1, OutputTokens: 4000, CompressionRatio: 3, CreatedAt: scoreNow},
			{VersionID: "v003", PartNumber: 2, OutputTokens: 800, CompressionRatio: 8, CreatedAt: scoreNow},
		},
	}
	plan := ComposeParts(sess, 2000, true, scoreNow)
	if plan.UsesOriginal {
		t.Fatal("plan fell back to original")
	}
	if len(plan.Choices) != 2 {
		t.Fatalf("choices = %+v", plan.Choices)
	}
	// Per-part budget is 1000: v002 is over budget, v001 wins part 1.
	if plan.Choices[0].Record.VersionID != "v001" {
		t.Errorf("part 1 = %s, want v001", plan.Choices[0].Record.VersionID)
	}
	if plan.Choices[1].Record.VersionID != "v003" {
		t.Errorf("part 2 = %s, want v003", plan.Choices[1].Record.VersionID)
	}
	if plan.TotalTokens != 1700 {
		t.Errorf("totalTokens = %d, want 1700", plan.TotalTokens)
	}

	sel := plan.Selections()
	if len(sel) != 2 || sel[0].PartNumber != 1 || sel[0].VersionID != "v001" {
		t.Errorf("selections = %+v", sel)
	}
}

func TestComposePartsNoVersions(t *testing.T) {
	sess := &manifest.SessionEntry{SessionID: "s1", OriginalTokens: 1234}
	plan := ComposeParts(sess, 2000, false, scoreNow)
	if !plan.UsesOriginal || plan.TotalTokens != 1234 {
		t.Errorf("plan = %+v", plan)
	}
	sel := plan.Selections()
	if len(sel) != 1 || sel[0].VersionID != "original" {
		t.Errorf("selections = %+v", sel)
	}
}

// Every version over budget: the most compressed one still serves the part.
func TestComposePartsFallback(t *testing.T) {
	sess := &manifest.SessionEntry{
		SessionID: "s1",
		Compressions: []manifest.CompressionRecord{
			{VersionID: "v001", PartNumber: 1, OutputTokens: 9000, CompressionRatio: 2, CreatedAt: scoreNow},
			{VersionID: "v002", PartNumber: 1, OutputTokens: 5000, CompressionRatio: 6, CreatedAt: scoreNow},
		},
	}
	plan := ComposeParts(sess, 1000, false, scoreNow)
	for _, c := range plan.Choices {
		if c.Record == nil {
			t.Fatalf("part %d has no record", c.PartNumber)
		}
	}
	if plan.Choices[0].Record.VersionID != "v002" {
		t.Errorf("fallback picked %s, want v002 (most compressed)", plan.Choices[0].Record.VersionID)
	}
}
