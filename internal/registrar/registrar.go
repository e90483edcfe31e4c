// Package registrar brings transcripts under engine management: linking
// them into the project tree, indexing their keepit markers, and keeping
// session entries in step with the files on disk.
package registrar

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/keepit"
	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

// Registrar registers, refreshes, and unregisters sessions.
type Registrar struct {
	store  *manifest.Store
	parser transcript.Parser
}

func New(store *manifest.Store, parser transcript.Parser) *Registrar {
	return &Registrar{store: store, parser: parser}
}

// RegisterOptions tune registration.
type RegisterOptions struct {
	// OriginalFilePath overrides the source transcript location.
	OriginalFilePath string
	// ForceCopy skips the symlink attempt.
	ForceCopy bool
}

// Register links a transcript into the project and writes its session
// entry. Registering the same session twice is refused.
func (r *Registrar) Register(ctx context.Context, projectID, sessionID string, opts RegisterOptions) (*manifest.SessionEntry, error) {
	source := opts.OriginalFilePath
	if source == "" {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed,
			"originalFilePath is required")
	}
	if _, err := os.Stat(source); err != nil {
		return nil, memerr.E(memerr.KindNotFound, memerr.CodeFileNotFound,
			"transcript %s does not exist", source)
	}

	if _, err := r.store.EnsureProject(ctx, projectID, ""); err != nil {
		return nil, err
	}
	if existing, err := r.store.GetSession(ctx, projectID, sessionID); err == nil {
		return nil, memerr.E(memerr.KindConflict, memerr.CodeAlreadyRegistered,
			"session %s already registered (since %s)", sessionID,
			existing.RegisteredAt.Format(time.RFC3339)).
			WithDetail("sessionId", sessionID)
	} else if !memerr.HasCode(err, memerr.CodeSessionNotFound) {
		return nil, err
	}

	linked := r.store.Layout().OriginalPath(projectID, sessionID)
	linkType, err := linkOrCopy(source, linked, opts.ForceCopy)
	if err != nil {
		return nil, err
	}

	entry, err := r.buildEntry(projectID, sessionID, source, linked, linkType)
	if err != nil {
		os.Remove(linked)
		return nil, err
	}
	if err := r.store.SetSession(ctx, projectID, entry); err != nil {
		os.Remove(linked)
		return nil, err
	}
	slog.Info("session registered",
		"project", projectID, "session", sessionID,
		"linkType", linkType, "messages", entry.OriginalMessages,
		"tokens", entry.OriginalTokens, "keepits", len(entry.KeepitMarkers))
	return entry, nil
}

// buildEntry parses the linked transcript once and derives everything the
// manifest needs from it.
func (r *Registrar) buildEntry(projectID, sessionID, source, linked string, linkType manifest.LinkType) (*manifest.SessionEntry, error) {
	tr, err := r.parser.Parse(linked)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	entry := &manifest.SessionEntry{
		SessionID:             sessionID,
		OriginalFile:          source,
		LinkedFile:            linked,
		LinkType:              linkType,
		OriginalTokens:        tr.TotalTokens(),
		OriginalMessages:      len(tr.Messages),
		FirstTimestamp:        tr.FirstTimestamp(),
		LastTimestamp:         tr.LastTimestamp(),
		LastSyncedTimestamp:   tr.LastTimestamp(),
		LastSyncedMessageUUID: tr.LastUUID(),
		RegisteredAt:          now,
		LastAccessed:          now,
		Metadata: manifest.SessionMetadata{
			CWD:          tr.Metadata.CWD,
			GitBranch:    tr.Metadata.GitBranch,
			AgentVersion: tr.Metadata.AgentVersion,
			ProjectName:  tr.Metadata.ProjectName,
		},
		KeepitMarkers: extractMarkers(tr, now),
		Compressions:  []manifest.CompressionRecord{},
	}
	return entry, nil
}

// extractMarkers walks every message for keepit syntax.
func extractMarkers(tr *transcript.Transcript, now time.Time) []keepit.Marker {
	markers := []keepit.Marker{}
	for _, msg := range tr.Messages {
		for _, raw := range keepit.Extract(msg.Content) {
			markers = append(markers, keepit.Normalize(raw, msg.UUID, msg.Content, now))
		}
	}
	return markers
}

// Refresh re-parses the transcript and updates counts, timestamps, and
// markers. Marker history survives for markers whose content is unchanged.
func (r *Registrar) Refresh(ctx context.Context, projectID, sessionID string) (*manifest.SessionEntry, error) {
	var updated *manifest.SessionEntry
	err := r.store.Update(ctx, projectID, func(m *manifest.Manifest) error {
		sess, ok := m.Sessions[sessionID]
		if !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
				"session %s not registered", sessionID)
		}
		tr, err := r.parser.Parse(sess.LinkedFile)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		fresh := extractMarkers(tr, now)
		sess.KeepitMarkers = mergeMarkers(sess.KeepitMarkers, fresh)
		sess.OriginalTokens = tr.TotalTokens()
		sess.OriginalMessages = len(tr.Messages)
		sess.FirstTimestamp = tr.FirstTimestamp()
		sess.LastTimestamp = tr.LastTimestamp()
		sess.LastAccessed = now
		updated = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// mergeMarkers keeps the existing record (with its survival history and
// weight audit trail) for any marker still present, and adopts new ones.
func mergeMarkers(old, fresh []keepit.Marker) []keepit.Marker {
	type key struct {
		uuid    string
		content string
	}
	existing := map[key]keepit.Marker{}
	for _, m := range old {
		existing[key{m.MessageUUID, m.Content}] = m
	}
	merged := make([]keepit.Marker, 0, len(fresh))
	for _, m := range fresh {
		if prev, ok := existing[key{m.MessageUUID, m.Content}]; ok {
			// Position may have shifted; everything else is history.
			prev.Position = m.Position
			prev.Weight = m.Weight
			merged = append(merged, prev)
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

// Unregister removes the session entry and its link/copy; summaries go
// too when removeSummaries is set.
func (r *Registrar) Unregister(ctx context.Context, projectID, sessionID string, removeSummaries bool) error {
	if err := r.store.RemoveSession(ctx, projectID, sessionID); err != nil {
		return err
	}
	linked := r.store.Layout().OriginalPath(projectID, sessionID)
	if err := os.Remove(linked); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not remove linked transcript", "path", linked, "error", err)
	}
	if removeSummaries {
		dir := r.store.Layout().SessionSummariesDir(projectID, sessionID)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("could not remove summaries", "dir", dir, "error", err)
		}
	}
	return nil
}

// FindUnregistered scans a transcript directory for .jsonl sessions the
// project does not know yet. Returned paths are sorted by name.
func (r *Registrar) FindUnregistered(ctx context.Context, projectID, transcriptsDir string) ([]string, error) {
	m, err := r.store.Load(ctx, projectID)
	if err != nil && !memerr.HasCode(err, memerr.CodeProjectNotFound) {
		return nil, err
	}

	entries, err := os.ReadDir(transcriptsDir)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindNotFound, memerr.CodeFileNotFound,
			"cannot scan %s", transcriptsDir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(e.Name(), ".jsonl")
		if m != nil {
			if _, ok := m.Sessions[sessionID]; ok {
				continue
			}
		}
		out = append(out, filepath.Join(transcriptsDir, e.Name()))
	}
	return out, nil
}

// linkOrCopy prefers a symlink and falls back to a copy on hosts or
// filesystems that refuse one.
func linkOrCopy(source, dest string, forceCopy bool) (manifest.LinkType, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "resolve %s", source)
	}
	os.Remove(dest)

	if !forceCopy {
		if err := os.Symlink(abs, dest); err == nil {
			return manifest.LinkSymlink, nil
		}
		slog.Debug("symlink refused, copying instead", "source", abs, "dest", dest)
	}

	in, err := os.Open(abs)
	if err != nil {
		return "", memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "open %s", abs)
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return "", memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "create copy of %s", abs)
	}
	tmpPath := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return "", memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "copy %s", abs)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "close copy of %s", abs)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "place copy at %s", dest)
	}
	return manifest.LinkCopy, nil
}
