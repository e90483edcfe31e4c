package locks

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// ManifestLockOptions tune the cross-process lock acquisition.
type ManifestLockOptions struct {
	Staleness  time.Duration // lock file older than this is considered abandoned
	Retries    int
	RetryDelay time.Duration // initial delay, doubles per retry
}

func DefaultManifestLockOptions() ManifestLockOptions {
	return ManifestLockOptions{
		Staleness:  30 * time.Second,
		Retries:    5,
		RetryDelay: 100 * time.Millisecond,
	}
}

// ManifestLock is a held cross-process advisory lock. Release it promptly;
// callers must never hold it across summarizer invocations or parsing.
type ManifestLock struct {
	fl   *flock.Flock
	path string
}

// AcquireManifestLock takes the advisory flock on the given lock path
// (next to manifest.json). Kernel flocks vanish with their holder, so the
// staleness check only matters for lock files orphaned on filesystems
// without flock semantics: an old, unheld lock file is removed and retried.
func AcquireManifestLock(ctx context.Context, lockPath string, opts ManifestLockOptions) (*ManifestLock, error) {
	if opts.Retries == 0 {
		opts = DefaultManifestLockOptions()
	}
	fl := flock.New(lockPath)
	delay := opts.RetryDelay

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError,
				"lock %s", lockPath)
		}
		if locked {
			touchLockFile(lockPath)
			return &ManifestLock{fl: fl, path: lockPath}, nil
		}
		if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > opts.Staleness {
			slog.Warn("removing stale manifest lock file", "path", lockPath, "age", time.Since(info.ModTime()))
			_ = os.Remove(lockPath)
			continue
		}
		if attempt == opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, memerr.Wrap(ctx.Err(), memerr.KindConflict, memerr.CodeLockTimeout,
				"canceled waiting for manifest lock %s", lockPath)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, memerr.E(memerr.KindConflict, memerr.CodeLockTimeout,
		"could not acquire manifest lock %s after %d attempts", lockPath, opts.Retries+1)
}

func (m *ManifestLock) Release() error {
	if m == nil || m.fl == nil {
		return nil
	}
	err := m.fl.Unlock()
	m.fl = nil
	return err
}

// touchLockFile stamps the lock file mtime so other processes can judge
// staleness.
func touchLockFile(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		slog.Debug("could not touch lock file", "path", path, "error", err)
	}
}
