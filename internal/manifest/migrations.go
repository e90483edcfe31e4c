package manifest

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/mod/semver"

	"github.com/nextlevelbuilder/clawmem/internal/keepit"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// A migration lifts a manifest to its target schema version. Migrations
// must be pure: no I/O, input returned transformed.
type migration struct {
	target string
	apply  func(*Manifest) *Manifest
}

// registered migrations, applied in semver order. Versions below the
// first entry are treated as 1.x manifests.
var migrations = []migration{
	{
		// 2.0.0: introduce project settings and guarantee non-nil maps.
		target: "2.0.0",
		apply: func(m *Manifest) *Manifest {
			if m.Settings.DefaultCompressionPreset == "" {
				m.Settings.DefaultCompressionPreset = "standard"
				m.Settings.KeepitDecayEnabled = true
			}
			for _, sess := range m.Sessions {
				if sess.KeepitMarkers == nil {
					sess.KeepitMarkers = []keepit.Marker{}
				}
				if sess.Compressions == nil {
					sess.Compressions = []CompressionRecord{}
				}
			}
			return m
		},
	},
	{
		// 2.1.0: label pre-incremental compressions. A record without a
		// message range is a whole-session compression: part 1, legacy flag.
		target: "2.1.0",
		apply: func(m *Manifest) *Manifest {
			for _, sess := range m.Sessions {
				for i := range sess.Compressions {
					rec := &sess.Compressions[i]
					if rec.PartNumber == 0 {
						rec.PartNumber = 1
					}
					if rec.MessageRange == nil {
						rec.IsFullSession = true
					}
					if rec.CompressionLevel == "" {
						rec.CompressionLevel = rec.Settings.Level()
					}
				}
			}
			return m
		},
	},
}

const migrationBackupsKept = 5

// migrate applies all pending migrations in semver order, writing a
// backup of the pre-migration manifest first. Returns the migrated
// manifest and how many migrations ran.
func (s *Store) migrate(m *Manifest, projectID string) (*Manifest, int, error) {
	pending := pendingMigrations(m.Version)
	if len(pending) == 0 {
		return m, 0, nil
	}

	if err := s.writeMigrationBackup(projectID, m); err != nil {
		return nil, 0, err
	}

	fromVersion := m.Version
	for _, mig := range pending {
		slog.Info("migrating manifest schema",
			"project", projectID, "from", m.Version, "to", mig.target)
		m = mig.apply(m)
		m.MigrationHistory = append(m.MigrationHistory, MigrationEvent{
			From:      m.Version,
			To:        mig.target,
			AppliedAt: time.Now().UTC(),
		})
		m.Version = mig.target
	}
	slog.Info("manifest migrated", "project", projectID, "from", fromVersion, "to", m.Version)
	return m, len(pending), nil
}

func pendingMigrations(current string) []migration {
	var pending []migration
	for _, mig := range migrations {
		if semver.Compare(canonical(current), canonical(mig.target)) < 0 {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return semver.Compare(canonical(pending[i].target), canonical(pending[j].target)) < 0
	})
	return pending
}

// writeMigrationBackup snapshots the manifest to .migration-backups and
// prunes all but the newest migrationBackupsKept files.
func (s *Store) writeMigrationBackup(projectID string, m *Manifest) error {
	dir := s.layout.MigrationBackupsDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "create %s", dir)
	}
	name := "manifest-" + m.Version + "-" + time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".json"
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "encode backup")
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return wrapFS(err, "write migration backup")
	}
	pruneBackups(dir)
	return nil
}

func pruneBackups(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	if len(names) <= migrationBackupsKept {
		return
	}
	sort.Strings(names) // timestamped names sort chronologically
	for _, name := range names[:len(names)-migrationBackupsKept] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			slog.Debug("could not prune migration backup", "file", name, "error", err)
		}
	}
}
