package delta

import (
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

func makeTranscript(n int) *transcript.Transcript {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t := &transcript.Transcript{Path: "/tmp/s1.jsonl"}
	for i := 0; i < n; i++ {
		t.Messages = append(t.Messages, transcript.Message{
			Index:     i,
			UUID:      fmt.Sprintf("uuid-%d", i),
			Type:      "user",
			Role:      "user",
			SessionID: "s1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Content:   fmt.Sprintf("message %d", i),
		})
	}
	t.TotalMessages = n
	return t
}

func rangeRec(versionID string, part, start, end int, tr *transcript.Transcript) manifest.CompressionRecord {
	return manifest.CompressionRecord{
		VersionID:        versionID,
		PartNumber:       part,
		CompressionLevel: manifest.LevelModerate,
		MessageRange: &manifest.MessageRange{
			StartIndex:     start,
			EndIndex:       end,
			MessageCount:   end - start,
			StartTimestamp: tr.Messages[start].Timestamp,
			EndTimestamp:   tr.Messages[end-1].Timestamp,
		},
	}
}

func TestDetectNoCompressions(t *testing.T) {
	tr := makeTranscript(10)
	d := Detect(tr, nil)

	if !d.HasDelta || !d.IsFirstPart {
		t.Fatalf("d = %+v, want full first-part delta", d)
	}
	if d.StartIndex != 0 || d.EndIndex != 10 || d.DeltaCount != 10 {
		t.Errorf("range = [%d, %d) count %d, want [0, 10) count 10",
			d.StartIndex, d.EndIndex, d.DeltaCount)
	}
}

func TestDetectEmptyTranscript(t *testing.T) {
	d := Detect(makeTranscript(0), nil)
	if d.HasDelta || d.DeltaCount != 0 {
		t.Errorf("d = %+v, want no delta", d)
	}
}

// Session compressed at 10 messages, grown to 15: the delta is exactly
// the five new messages and the next compression is part 2.
func TestDetectGrownSession(t *testing.T) {
	tr := makeTranscript(15)
	recs := []manifest.CompressionRecord{rangeRec("v001", 1, 0, 10, tr)}

	d := Detect(tr, recs)
	if !d.HasDelta || d.IsFirstPart {
		t.Fatalf("d = %+v, want continuation delta", d)
	}
	if d.StartIndex != 10 || d.EndIndex != 15 || d.DeltaCount != 5 {
		t.Errorf("range = [%d, %d) count %d, want [10, 15) count 5",
			d.StartIndex, d.EndIndex, d.DeltaCount)
	}
	if d.PreviousPartNumber != 1 {
		t.Errorf("previousPartNumber = %d, want 1", d.PreviousPartNumber)
	}
	if d.Messages[0].UUID != "uuid-10" || d.Messages[4].UUID != "uuid-14" {
		t.Errorf("wrong messages selected: %s .. %s", d.Messages[0].UUID, d.Messages[4].UUID)
	}
	if !d.StartTimestamp.Equal(tr.Messages[10].Timestamp) {
		t.Errorf("startTimestamp = %v", d.StartTimestamp)
	}
}

func TestDetectFullyCovered(t *testing.T) {
	tr := makeTranscript(10)
	recs := []manifest.CompressionRecord{rangeRec("v001", 1, 0, 10, tr)}

	d := Detect(tr, recs)
	if d.HasDelta || d.DeltaCount != 0 {
		t.Errorf("d = %+v, want no delta", d)
	}
}

// Coverage follows the furthest-reaching range, not record order.
func TestDetectPicksFurthestRange(t *testing.T) {
	tr := makeTranscript(20)
	recs := []manifest.CompressionRecord{
		rangeRec("v002", 2, 10, 16, tr),
		rangeRec("v001", 1, 0, 10, tr),
	}

	d := Detect(tr, recs)
	if d.StartIndex != 16 || d.DeltaCount != 4 {
		t.Errorf("range starts at %d (count %d), want 16 (count 4)", d.StartIndex, d.DeltaCount)
	}
	if d.PreviousPartNumber != 2 {
		t.Errorf("previousPartNumber = %d, want 2", d.PreviousPartNumber)
	}
}

// Legacy records carry no range; inputMessages stands in for the covered
// prefix, and timestamps are the last resort.
func TestDetectLegacyFullSession(t *testing.T) {
	tr := makeTranscript(12)

	byCount := manifest.CompressionRecord{
		VersionID: "v001", PartNumber: 1, IsFullSession: true, InputMessages: 8,
	}
	d := Detect(tr, []manifest.CompressionRecord{byCount})
	if d.StartIndex != 8 || d.DeltaCount != 4 {
		t.Errorf("inputMessages fallback: start %d count %d, want 8 / 4", d.StartIndex, d.DeltaCount)
	}

	byStamp := manifest.CompressionRecord{
		VersionID: "v001", PartNumber: 1, IsFullSession: true,
		CreatedAt: tr.Messages[5].Timestamp,
	}
	d = Detect(tr, []manifest.CompressionRecord{byStamp})
	if d.StartIndex != 6 {
		t.Errorf("timestamp fallback: start %d, want 6", d.StartIndex)
	}
}

// A transcript that shrank below recorded coverage yields no delta
// instead of a negative one.
func TestDetectShrunkenTranscript(t *testing.T) {
	tr := makeTranscript(20)
	recs := []manifest.CompressionRecord{rangeRec("v001", 1, 0, 20, tr)}

	short := makeTranscript(5)
	d := Detect(short, recs)
	if d.HasDelta || d.DeltaCount != 0 {
		t.Errorf("d = %+v, want no delta for shrunken transcript", d)
	}
}
