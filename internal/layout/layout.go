// Package layout owns every path under the engine root. No other package
// assembles project paths.
package layout

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Layout yields deterministic paths under a process-configured root.
type Layout struct {
	Root string
}

func New(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) CacheDir() string    { return filepath.Join(l.Root, "cache") }
func (l Layout) ProjectsDir() string { return filepath.Join(l.Root, "projects") }

func (l Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.ProjectsDir(), projectID)
}

func (l Layout) ManifestPath(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), "manifest.json")
}

// ManifestLockPath is the advisory lock file guarding manifest.json.
func (l Layout) ManifestLockPath(projectID string) string {
	return l.ManifestPath(projectID) + ".lock"
}

func (l Layout) OriginalsDir(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), "originals")
}

// OriginalPath is the engine-owned link/copy of a session transcript.
func (l Layout) OriginalPath(projectID, sessionID string) string {
	return filepath.Join(l.OriginalsDir(projectID), sessionID+".jsonl")
}

func (l Layout) SummariesDir(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), "summaries")
}

func (l Layout) SessionSummariesDir(projectID, sessionID string) string {
	return filepath.Join(l.SummariesDir(projectID), sessionID)
}

func (l Layout) ComposedDir(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), "composed")
}

func (l Layout) CompositionDir(projectID, name string) string {
	return filepath.Join(l.ComposedDir(projectID), SanitizeName(name))
}

func (l Layout) MigrationBackupsDir(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), ".migration-backups")
}

// EnsureProject creates the full project tree.
func (l Layout) EnsureProject(projectID string) error {
	dirs := []string{
		l.CacheDir(),
		l.ProjectDir(projectID),
		l.OriginalsDir(projectID),
		l.SummariesDir(projectID),
		l.ComposedDir(projectID),
		l.MigrationBackupsDir(projectID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "create %s", d)
		}
	}
	return nil
}

// ProjectExists reports whether the project directory is present.
func (l Layout) ProjectExists(projectID string) bool {
	info, err := os.Stat(l.ProjectDir(projectID))
	return err == nil && info.IsDir()
}

var unsafeNameRuns = regexp.MustCompile(`[^a-z0-9-_]+`)

// SanitizeName maps an arbitrary composition name onto a filesystem-safe
// directory name. Same rules for the composed file basenames.
func SanitizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = unsafeNameRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "composition"
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
