// Package locks provides the two lock domains the engine relies on:
// process-local session-operation locks and the cross-process advisory
// lock on a project's manifest.
package locks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Operation is a session-scoped operation type. Locks key on
// (project, session, operation), so two runs of the same type exclude
// each other while different types may overlap; a composition invokes
// compression on the sessions it is composing.
type Operation string

const (
	OpCompression Operation = "compression"
	OpImport      Operation = "import"
	OpExport      Operation = "export"
	OpComposition Operation = "composition"
)

// staleAfter is how long a held session lock is trusted before a new
// acquirer may break it (the holder crashed or leaked the release).
const staleAfter = 5 * time.Minute

type lockKey struct {
	projectID string
	sessionID string
	op        Operation
}

type lockEntry struct {
	acquiredAt time.Time
}

// SessionLocks is the in-process registry of session-operation locks.
type SessionLocks struct {
	mu   sync.Mutex
	held map[lockKey]lockEntry
	now  func() time.Time
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{
		held: make(map[lockKey]lockEntry),
		now:  time.Now,
	}
}

// Acquire is non-blocking. It fails with compression_in_progress (or
// resource_locked for other operation types) when the same operation
// already holds the session. Stale entries are broken on the spot.
func (s *SessionLocks) Acquire(projectID, sessionID string, op Operation) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey{projectID, sessionID, op}
	if entry, ok := s.held[key]; ok {
		if s.now().Sub(entry.acquiredAt) < staleAfter {
			return nil, inProgressErr(projectID, sessionID, op)
		}
		slog.Warn("breaking stale session lock",
			"project", projectID, "session", sessionID,
			"operation", op, "held_for", s.now().Sub(entry.acquiredAt))
	}
	s.held[key] = lockEntry{acquiredAt: s.now()}
	return func() { s.release(key) }, nil
}

// AcquireWithTimeout retries with exponential backoff (100 ms doubling,
// capped at 2 s) until the lock is free or maxWait elapses.
func (s *SessionLocks) AcquireWithTimeout(ctx context.Context, projectID, sessionID string, op Operation, maxWait time.Duration) (release func(), err error) {
	deadline := s.now().Add(maxWait)
	backoff := 100 * time.Millisecond
	for {
		release, err = s.Acquire(projectID, sessionID, op)
		if err == nil {
			return release, nil
		}
		if s.now().Add(backoff).After(deadline) {
			return nil, memerr.E(memerr.KindConflict, memerr.CodeLockTimeout,
				"timed out after %s waiting for %s lock on %s/%s", maxWait, op, projectID, sessionID).
				WithDetail("sessionId", sessionID)
		}
		select {
		case <-ctx.Done():
			return nil, memerr.Wrap(ctx.Err(), memerr.KindConflict, memerr.CodeLockTimeout,
				"canceled waiting for %s lock on %s/%s", op, projectID, sessionID)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
}

func (s *SessionLocks) release(key lockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, key)
}

// Sweep drops entries older than the staleness window; returns how many.
func (s *SessionLocks) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, entry := range s.held {
		if s.now().Sub(entry.acquiredAt) >= staleAfter {
			delete(s.held, key)
			n++
		}
	}
	return n
}

// Held reports whether any operation currently holds the session.
func (s *SessionLocks) Held(projectID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.held {
		if key.projectID == projectID && key.sessionID == sessionID &&
			s.now().Sub(entry.acquiredAt) < staleAfter {
			return true
		}
	}
	return false
}

func inProgressErr(projectID, sessionID string, heldBy Operation) error {
	code := memerr.CodeResourceLocked
	if heldBy == OpCompression {
		code = memerr.CodeCompressionInProgress
	}
	return memerr.E(memerr.KindConflict, code,
		"%s already in progress on %s/%s", heldBy, projectID, sessionID).
		WithDetail("sessionId", sessionID).
		WithDetail("operation", string(heldBy))
}
