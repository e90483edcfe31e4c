package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/mod/semver"

	"github.com/nextlevelbuilder/clawmem/internal/layout"
	"github.com/nextlevelbuilder/clawmem/internal/locks"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Store loads and saves project manifests. Every path through it holds
// the cross-process manifest lock; callers never hold that lock across
// summarization or other user work.
type Store struct {
	layout   layout.Layout
	lockOpts locks.ManifestLockOptions
}

func NewStore(l layout.Layout) *Store {
	return &Store{layout: l, lockOpts: locks.DefaultManifestLockOptions()}
}

// Layout exposes the path scheme for collaborators wired around the store.
func (s *Store) Layout() layout.Layout { return s.layout }

// Load reads and, when the schema is behind, migrates a project manifest.
// Migration releases the read lock before writing back under a fresh one
// so the lock is never held across the transform.
func (s *Store) Load(ctx context.Context, projectID string) (*Manifest, error) {
	lock, err := locks.AcquireManifestLock(ctx, s.layout.ManifestLockPath(projectID), s.lockOpts)
	if err != nil {
		return nil, err
	}
	m, err := s.readLocked(projectID)
	lock.Release()
	if err != nil {
		return nil, err
	}

	if semver.Compare(canonical(m.Version), canonical(SchemaVersion)) >= 0 {
		return m, nil
	}

	migrated, applied, err := s.migrate(m, projectID)
	if err != nil {
		return nil, err
	}
	if applied == 0 {
		return migrated, nil
	}
	if err := s.Save(ctx, projectID, migrated); err != nil {
		return nil, err
	}
	return migrated, nil
}

// readLocked parses the manifest file. Caller holds the manifest lock.
func (s *Store) readLocked(projectID string) (*Manifest, error) {
	path := s.layout.ManifestPath(projectID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerr.E(memerr.KindNotFound, memerr.CodeProjectNotFound,
				"project %s has no manifest", projectID)
		}
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "read %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		// Never silently repaired: surface corruption to the operator.
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeManifestCorruption,
			"manifest %s is not valid JSON", path)
	}
	if m.Sessions == nil {
		m.Sessions = map[string]*SessionEntry{}
	}
	if m.Compositions == nil {
		m.Compositions = map[string]*CompositionRecord{}
	}
	return &m, nil
}

// Save validates and atomically replaces the manifest: temp sibling,
// fsync, rename. LastModified advances monotonically per save.
func (s *Store) Save(ctx context.Context, projectID string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	lock, err := locks.AcquireManifestLock(ctx, s.layout.ManifestLockPath(projectID), s.lockOpts)
	if err != nil {
		return err
	}
	defer lock.Release()
	return s.writeLocked(projectID, m)
}

func (s *Store) writeLocked(projectID string, m *Manifest) error {
	now := time.Now().UTC()
	if !now.After(m.LastModified) {
		now = m.LastModified.Add(time.Millisecond)
	}
	m.LastModified = now

	path := s.layout.ManifestPath(projectID)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "encode manifest")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "manifest-*.tmp")
	if err != nil {
		return wrapFS(err, "create manifest temp file")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return wrapFS(err, "write manifest temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return wrapFS(err, "sync manifest temp file")
	}
	if err := tmp.Close(); err != nil {
		return wrapFS(err, "close manifest temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return wrapFS(err, "rename manifest into place")
	}
	cleanup = false
	return nil
}

// wrapFS maps a filesystem failure onto the taxonomy, surfacing disk
// exhaustion as Capacity.
func wrapFS(err error, msg string) error {
	if errors.Is(err, syscall.ENOSPC) {
		return memerr.Wrap(err, memerr.KindCapacity, memerr.CodeDiskSpaceExhausted, "%s", msg)
	}
	return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "%s", msg)
}

// Update runs fn on the manifest and saves the result, all under a single
// lock acquisition. fn must be quick and must not do I/O.
func (s *Store) Update(ctx context.Context, projectID string, fn func(*Manifest) error) error {
	lock, err := locks.AcquireManifestLock(ctx, s.layout.ManifestLockPath(projectID), s.lockOpts)
	if err != nil {
		return err
	}
	defer lock.Release()

	m, err := s.readLocked(projectID)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	return s.writeLocked(projectID, m)
}

// EnsureProject creates the project tree and an empty manifest when absent.
func (s *Store) EnsureProject(ctx context.Context, projectID, displayName string) (*Manifest, error) {
	if err := s.layout.EnsureProject(projectID); err != nil {
		return nil, err
	}
	lock, err := locks.AcquireManifestLock(ctx, s.layout.ManifestLockPath(projectID), s.lockOpts)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	m, err := s.readLocked(projectID)
	if err == nil {
		return m, nil
	}
	if !memerr.HasCode(err, memerr.CodeProjectNotFound) {
		return nil, err
	}
	m = New(projectID, displayName)
	slog.Info("creating project manifest", "project", projectID)
	if err := s.writeLocked(projectID, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetSession returns a session entry from a freshly loaded manifest.
func (s *Store) GetSession(ctx context.Context, projectID, sessionID string) (*SessionEntry, error) {
	m, err := s.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sess, ok := m.Sessions[sessionID]
	if !ok {
		return nil, memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
			"session %s not registered in project %s", sessionID, projectID).
			WithDetail("sessionId", sessionID)
	}
	return sess, nil
}

// SetSession upserts a session entry.
func (s *Store) SetSession(ctx context.Context, projectID string, entry *SessionEntry) error {
	return s.Update(ctx, projectID, func(m *Manifest) error {
		m.Sessions[entry.SessionID] = entry
		return nil
	})
}

// RemoveSession drops a session entry; missing sessions are an error.
func (s *Store) RemoveSession(ctx context.Context, projectID, sessionID string) error {
	return s.Update(ctx, projectID, func(m *Manifest) error {
		if _, ok := m.Sessions[sessionID]; !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
				"session %s not registered", sessionID)
		}
		delete(m.Sessions, sessionID)
		return nil
	})
}

// TouchSession stamps lastAccessed.
func (s *Store) TouchSession(ctx context.Context, projectID, sessionID string) error {
	return s.Update(ctx, projectID, func(m *Manifest) error {
		sess, ok := m.Sessions[sessionID]
		if !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
				"session %s not registered", sessionID)
		}
		sess.LastAccessed = time.Now().UTC()
		return nil
	})
}

// UpdateSettings mutates project settings in place.
func (s *Store) UpdateSettings(ctx context.Context, projectID string, fn func(*ProjectSettings)) error {
	return s.Update(ctx, projectID, func(m *Manifest) error {
		fn(&m.Settings)
		return nil
	})
}

// ListSessions returns session entries ordered by sessionId.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]*SessionEntry, error) {
	m, err := s.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]*SessionEntry, 0, len(m.Sessions))
	for _, sess := range m.Sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// canonical prefixes a bare semver with "v" for golang.org/x/mod/semver.
func canonical(v string) string {
	if v == "" {
		return "v0.0.0"
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}
