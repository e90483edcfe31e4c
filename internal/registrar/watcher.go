package registrar

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// settleDelay lets the agent finish its first writes before the new
// transcript is parsed.
const settleDelay = 2 * time.Second

// Watcher auto-registers transcripts appearing in a watched directory.
type Watcher struct {
	registrar *Registrar
	projectID string
	dir       string
}

func NewWatcher(r *Registrar, projectID, transcriptsDir string) *Watcher {
	return &Watcher{registrar: r, projectID: projectID, dir: transcriptsDir}
}

// Run watches until ctx is canceled. Existing unregistered transcripts are
// picked up once at startup.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "start watcher")
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "watch %s", w.dir)
	}
	slog.Info("watching for new transcripts", "project", w.projectID, "dir", w.dir)

	if pending, err := w.registrar.FindUnregistered(ctx, w.projectID, w.dir); err == nil {
		for _, path := range pending {
			w.tryRegister(ctx, path)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) || !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(settleDelay):
			}
			w.tryRegister(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("transcript watcher error", "error", err)
		}
	}
}

func (w *Watcher) tryRegister(ctx context.Context, path string) {
	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	_, err := w.registrar.Register(ctx, w.projectID, sessionID, RegisterOptions{OriginalFilePath: path})
	switch {
	case err == nil:
		slog.Info("auto-registered session", "project", w.projectID, "session", sessionID)
	case memerr.HasCode(err, memerr.CodeAlreadyRegistered):
	default:
		slog.Warn("auto-registration failed", "session", sessionID, "error", err)
	}
}
