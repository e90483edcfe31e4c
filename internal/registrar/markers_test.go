package registrar

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

func registerCopied(t *testing.T, n int) (*Registrar, string) {
	t.Helper()
	r, _, srcDir := newRegistrar(t)
	src := writeTranscript(t, srcDir, "sess-a", n)
	if _, err := r.Register(context.Background(), "proj", "sess-a", RegisterOptions{
		OriginalFilePath: src,
		ForceCopy:        true,
	}); err != nil {
		t.Fatal(err)
	}
	return r, src
}

func TestAddMarker(t *testing.T) {
	ctx := context.Background()
	r, _ := registerCopied(t, 5)

	entry, err := r.AddMarker(ctx, "proj", "sess-a", "sess-a-m4", 0.75)
	if err != nil {
		t.Fatalf("AddMarker() failed: %v", err)
	}
	// The transcript already carries one marker on m2.
	if len(entry.KeepitMarkers) != 2 {
		t.Fatalf("markers = %+v", entry.KeepitMarkers)
	}
	var found bool
	for _, m := range entry.KeepitMarkers {
		if m.MessageUUID == "sess-a-m4" {
			found = true
			if m.Weight != 0.75 {
				t.Errorf("weight = %.2f, want 0.75", m.Weight)
			}
			if !strings.Contains(m.Content, "step 4") {
				t.Errorf("content = %q", m.Content)
			}
		}
	}
	if !found {
		t.Errorf("no marker on sess-a-m4: %+v", entry.KeepitMarkers)
	}
}

func TestAddMarkerRefusedOnSymlink(t *testing.T) {
	ctx := context.Background()
	r, _, srcDir := newRegistrar(t)
	src := writeTranscript(t, srcDir, "sess-a", 3)
	entry, err := r.Register(ctx, "proj", "sess-a", RegisterOptions{OriginalFilePath: src})
	if err != nil {
		t.Fatal(err)
	}
	if entry.LinkType != "symlink" {
		t.Skip("filesystem fell back to copy")
	}

	_, err = r.AddMarker(ctx, "proj", "sess-a", "sess-a-m1", 0.5)
	if !memerr.HasCode(err, memerr.CodeValidationFailed) {
		t.Errorf("err = %v, want validation_failed", err)
	}
}

func TestAddMarkerUnknownMessage(t *testing.T) {
	ctx := context.Background()
	r, _ := registerCopied(t, 3)

	_, err := r.AddMarker(ctx, "proj", "sess-a", "sess-a-m99", 0.5)
	if !memerr.HasCode(err, memerr.CodeMessageNotFound) {
		t.Errorf("err = %v, want message_not_found", err)
	}
}

func TestRemoveMarkers(t *testing.T) {
	ctx := context.Background()
	r, _ := registerCopied(t, 5)

	entry, err := r.RemoveMarkers(ctx, "proj", "sess-a", "sess-a-m2")
	if err != nil {
		t.Fatalf("RemoveMarkers() failed: %v", err)
	}
	if len(entry.KeepitMarkers) != 0 {
		t.Errorf("markers survived: %+v", entry.KeepitMarkers)
	}

	// The marked text itself stays in the transcript.
	tr, err := r.parser.Parse(entry.LinkedFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tr.Messages[2].Content, "vault/ci") {
		t.Errorf("marked text lost: %q", tr.Messages[2].Content)
	}

	if _, err := r.RemoveMarkers(ctx, "proj", "sess-a", "sess-a-m1"); !memerr.HasCode(err, memerr.CodeKeepitNotFound) {
		t.Errorf("unmarked message: %v, want keepit_not_found", err)
	}
}

func TestReweightMarker(t *testing.T) {
	ctx := context.Background()
	r, _ := registerCopied(t, 5)

	content := "the API key lives in vault/ci, never in env"
	entry, err := r.ReweightMarker(ctx, "proj", "sess-a", "sess-a-m2", content, 0.90, 1.0)
	if err != nil {
		t.Fatalf("ReweightMarker() failed: %v", err)
	}
	if len(entry.KeepitMarkers) != 1 {
		t.Fatalf("markers = %+v", entry.KeepitMarkers)
	}
	mk := entry.KeepitMarkers[0]
	if mk.Weight != 1.0 || !mk.Pinned() {
		t.Errorf("marker = %+v, want pinned at 1.00", mk)
	}
	if len(mk.WeightHistory) != 1 || mk.WeightHistory[0].From != 0.90 || mk.WeightHistory[0].To != 1.0 {
		t.Errorf("weightHistory = %+v", mk.WeightHistory)
	}

	_, err = r.ReweightMarker(ctx, "proj", "sess-a", "sess-a-m2", content, 0.42, 0.5)
	if !memerr.HasCode(err, memerr.CodeKeepitNotFound) {
		t.Errorf("wrong old weight: %v, want keepit_not_found", err)
	}
}
