package registrar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/keepit"
	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Marker edits rewrite message text inside the linked transcript, so they
// are only allowed on copied transcripts. A symlinked transcript is the
// user's file and is never written.

// AddMarker wraps a message's text in a keepit marker at the given weight.
func (r *Registrar) AddMarker(ctx context.Context, projectID, sessionID, messageUUID string, weight float64) (*manifest.SessionEntry, error) {
	return r.mutateMessage(ctx, projectID, sessionID, messageUUID, func(text string) (string, error) {
		return keepit.CreateMarker(weight, text), nil
	})
}

// RemoveMarkers strips every marker from a message, keeping the marked text.
func (r *Registrar) RemoveMarkers(ctx context.Context, projectID, sessionID, messageUUID string) (*manifest.SessionEntry, error) {
	return r.mutateMessage(ctx, projectID, sessionID, messageUUID, func(text string) (string, error) {
		stripped := keepit.StripMarkers(text)
		if stripped == text {
			return "", memerr.E(memerr.KindNotFound, memerr.CodeKeepitNotFound,
				"message %s has no keepit markers", messageUUID)
		}
		return stripped, nil
	})
}

// ReweightMarker changes one marker's weight and records the change in the
// marker's weight history.
func (r *Registrar) ReweightMarker(ctx context.Context, projectID, sessionID, messageUUID, content string, oldWeight, newWeight float64) (*manifest.SessionEntry, error) {
	_, err := r.mutateMessage(ctx, projectID, sessionID, messageUUID, func(text string) (string, error) {
		updated := keepit.UpdateWeight(text, content, oldWeight, newWeight)
		if updated == text {
			return "", memerr.E(memerr.KindNotFound, memerr.CodeKeepitNotFound,
				"message %s has no keepit%.2f marker for that content", messageUUID, oldWeight)
		}
		return updated, nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = r.store.Update(ctx, projectID, func(m *manifest.Manifest) error {
		sess, ok := m.Sessions[sessionID]
		if !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
				"session %s is not registered", sessionID)
		}
		for i := range sess.KeepitMarkers {
			mk := &sess.KeepitMarkers[i]
			if mk.MessageUUID == messageUUID && mk.Content == content {
				mk.WeightHistory = append(mk.WeightHistory, keepit.WeightChange{
					From: oldWeight, To: newWeight, ChangedAt: now,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.store.GetSession(ctx, projectID, sessionID)
}

func (r *Registrar) mutateMessage(ctx context.Context, projectID, sessionID, messageUUID string, fn func(string) (string, error)) (*manifest.SessionEntry, error) {
	sess, err := r.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.LinkType != manifest.LinkCopy {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed,
			"session %s symlinks the user's transcript; marker edits require a copied transcript (register with --copy)", sessionID)
	}
	if err := rewriteMessageText(sess.LinkedFile, messageUUID, fn); err != nil {
		return nil, err
	}
	// Refresh re-parses the rewritten copy and merges marker history.
	return r.Refresh(ctx, projectID, sessionID)
}

// rewriteMessageText streams the transcript line by line, applies fn to the
// matching message's text, and atomically replaces the file.
func rewriteMessageText(path, messageUUID string, fn func(string) (string, error)) error {
	in, err := os.Open(path)
	if err != nil {
		return memerr.Wrap(err, memerr.KindNotFound, memerr.CodeFileNotFound, "open %s", path)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".keepit-edit-*")
	if err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "stage edit of %s", path)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	needle := []byte(messageUUID)
	found := false
	w := bufio.NewWriter(tmp)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if !found && bytes.Contains(line, needle) {
			edited, ok, err := editLine(line, messageUUID, fn)
			if err != nil {
				return err
			}
			if ok {
				line = edited
				found = true
			}
		}
		if _, err := w.Write(line); err != nil {
			return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "write edit of %s", path)
		}
		if err := w.WriteByte('\n'); err != nil {
			return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "write edit of %s", path)
		}
	}
	if err := sc.Err(); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "read %s", path)
	}
	if !found {
		return memerr.E(memerr.KindNotFound, memerr.CodeMessageNotFound,
			"message %s not found in transcript", messageUUID)
	}

	if err := w.Flush(); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "flush edit of %s", path)
	}
	if err := tmp.Sync(); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "sync edit of %s", path)
	}
	if err := tmp.Close(); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "close edit of %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "replace %s", path)
	}
	return nil
}

// editLine applies fn to the line's message content when the line carries
// the target uuid. Only plain string content is editable; tool-call blocks
// stay untouched.
func editLine(line []byte, messageUUID string, fn func(string) (string, error)) ([]byte, bool, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, false, nil // non-message line, leave as is
	}
	if raw["uuid"] != messageUUID {
		return nil, false, nil
	}
	msg, ok := raw["message"].(map[string]any)
	if !ok {
		return nil, false, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidFormat,
			"message %s has no message body", messageUUID)
	}
	text, ok := msg["content"].(string)
	if !ok {
		return nil, false, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidFormat,
			"message %s has structured content; only plain-text messages take marker edits", messageUUID)
	}
	edited, err := fn(text)
	if err != nil {
		return nil, false, err
	}
	msg["content"] = edited
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, false, memerr.Wrap(err, memerr.KindInternal, memerr.CodeInvalidFormat,
			"re-encode message %s", messageUUID)
	}
	return out, true, nil
}
