package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/keepit"
	"github.com/nextlevelbuilder/clawmem/internal/layout"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(layout.New(t.TempDir()))
}

func testSession(id string) *SessionEntry {
	return &SessionEntry{
		SessionID:     id,
		OriginalFile:  "/tmp/" + id + ".jsonl",
		LinkedFile:    "/tmp/linked/" + id + ".jsonl",
		LinkType:      LinkCopy,
		KeepitMarkers: []keepit.Marker{},
		Compressions:  []CompressionRecord{},
	}
}

func TestEnsureProjectAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.EnsureProject(ctx, "proj", "My Project")
	if err != nil {
		t.Fatalf("EnsureProject() failed: %v", err)
	}
	if m.Version != SchemaVersion || m.ProjectID != "proj" {
		t.Fatalf("new manifest = %+v", m)
	}

	// Second call returns the existing manifest rather than recreating.
	m2, err := s.EnsureProject(ctx, "proj", "ignored")
	if err != nil {
		t.Fatal(err)
	}
	if m2.DisplayName != "My Project" {
		t.Errorf("EnsureProject() recreated the manifest: %+v", m2)
	}

	if err := s.SetSession(ctx, "proj", testSession("sess-1")); err != nil {
		t.Fatalf("SetSession() failed: %v", err)
	}
	got, err := s.GetSession(ctx, "proj", "sess-1")
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.SessionID != "sess-1" || got.LinkType != LinkCopy {
		t.Errorf("round trip session = %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.EnsureProject(ctx, "proj", "")

	_, err := s.GetSession(ctx, "proj", "ghost")
	if !memerr.HasCode(err, memerr.CodeSessionNotFound) {
		t.Errorf("err = %v, want session_not_found", err)
	}
	_, err = s.Load(ctx, "no-such-project")
	if !memerr.HasCode(err, memerr.CodeProjectNotFound) {
		t.Errorf("err = %v, want project_not_found", err)
	}
}

func TestLastModifiedMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.EnsureProject(ctx, "proj", "")

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		if err := s.Update(ctx, "proj", func(m *Manifest) error { return nil }); err != nil {
			t.Fatal(err)
		}
		m, _ := s.Load(ctx, "proj")
		stamps = append(stamps, m.LastModified)
	}
	for i := 1; i < len(stamps); i++ {
		if !stamps[i].After(stamps[i-1]) {
			t.Errorf("lastModified not monotonic: %v then %v", stamps[i-1], stamps[i])
		}
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"empty version", func(m *Manifest) { m.Version = "" }},
		{"empty projectId", func(m *Manifest) { m.ProjectID = "" }},
		{"key/id mismatch", func(m *Manifest) {
			m.Sessions["a"] = testSession("b")
		}},
		{"negative tokens", func(m *Manifest) {
			sess := testSession("a")
			sess.OriginalTokens = -1
			m.Sessions["a"] = sess
		}},
		{"bad preset", func(m *Manifest) { m.Settings.DefaultCompressionPreset = "extreme" }},
		{"duplicate versionId", func(m *Manifest) {
			sess := testSession("a")
			sess.Compressions = []CompressionRecord{
				{VersionID: "v001", PartNumber: 1, CompressionLevel: LevelLight},
				{VersionID: "v001", PartNumber: 2, CompressionLevel: LevelLight},
			}
			m.Sessions["a"] = sess
		}},
		{"duplicate part/level", func(m *Manifest) {
			sess := testSession("a")
			sess.Compressions = []CompressionRecord{
				{VersionID: "v001", PartNumber: 1, CompressionLevel: LevelModerate},
				{VersionID: "v002", PartNumber: 1, CompressionLevel: LevelModerate},
			}
			m.Sessions["a"] = sess
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New("proj", "")
			tt.mutate(m)
			if err := m.Validate(); !memerr.HasCode(err, memerr.CodeValidationFailed) {
				t.Errorf("Validate() = %v, want validation_failed", err)
			}
		})
	}
}

func TestCorruptManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.EnsureProject(ctx, "proj", "")

	path := s.Layout().ManifestPath("proj")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.Load(ctx, "proj")
	if !memerr.HasCode(err, memerr.CodeManifestCorruption) {
		t.Errorf("err = %v, want manifest_corruption", err)
	}
}

// A leftover temp file from a crashed writer must not disturb reads.
func TestCrashedWriteLeavesManifestIntact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.EnsureProject(ctx, "proj", "")
	s.SetSession(ctx, "proj", testSession("s1"))

	dir := filepath.Dir(s.Layout().ManifestPath("proj"))
	if err := os.WriteFile(filepath.Join(dir, "manifest-crash.tmp"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := s.Load(ctx, "proj")
	if err != nil {
		t.Fatalf("Load() after simulated crash failed: %v", err)
	}
	if _, ok := m.Sessions["s1"]; !ok {
		t.Errorf("previous manifest content lost")
	}
}

func TestUpdateSerialized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.EnsureProject(ctx, "proj", "")
	s.SetSession(ctx, "proj", testSession("s1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(ctx, "proj", func(m *Manifest) error {
				m.Sessions["s1"].OriginalMessages++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetSession(ctx, "proj", "s1")
	if got.OriginalMessages != 8 {
		t.Errorf("originalMessages = %d, want 8 (lost updates)", got.OriginalMessages)
	}
}

func TestMigrationFromLegacySchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Layout().EnsureProject("proj"); err != nil {
		t.Fatal(err)
	}

	// A 1.2.0-era manifest: no settings, a compression without part fields.
	legacy := map[string]any{
		"version":   "1.2.0",
		"projectId": "proj",
		"sessions": map[string]any{
			"s1": map[string]any{
				"sessionId":     "s1",
				"originalFile":  "/tmp/s1.jsonl",
				"linkedFile":    "/tmp/linked.jsonl",
				"linkType":      "copy",
				"keepitMarkers": []any{},
				"compressions": []any{
					map[string]any{
						"versionId": "v001",
						"file":      "v001_uniform-moderate_5k",
						"settings":  map[string]any{"mode": "uniform", "aggressiveness": "moderate"},
					},
				},
			},
		},
		"compositions": map[string]any{},
	}
	data, _ := json.Marshal(legacy)
	if err := os.WriteFile(s.Layout().ManifestPath("proj"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := s.Load(ctx, "proj")
	if err != nil {
		t.Fatalf("Load() with migration failed: %v", err)
	}
	if m.Version != SchemaVersion {
		t.Errorf("version = %q, want %q", m.Version, SchemaVersion)
	}
	rec := m.Sessions["s1"].Compressions[0]
	if rec.PartNumber != 1 || !rec.IsFullSession || rec.CompressionLevel != LevelModerate {
		t.Errorf("legacy record not normalized: %+v", rec)
	}
	if len(m.MigrationHistory) == 0 {
		t.Errorf("migration history not recorded")
	}

	// Backup written before migration.
	entries, err := os.ReadDir(s.Layout().MigrationBackupsDir("proj"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("no migration backup written: %v", err)
	}
	if !strings.HasPrefix(entries[0].Name(), "manifest-1.2.0-") {
		t.Errorf("backup name = %q", entries[0].Name())
	}

	// Migration is persisted: a re-load applies nothing further.
	m2, err := s.Load(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if len(m2.MigrationHistory) != len(m.MigrationHistory) {
		t.Errorf("migrations re-applied on second load")
	}
}
