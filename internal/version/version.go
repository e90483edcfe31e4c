// Package version manages the compression versions of a session: naming,
// listing, retrieval, and guarded deletion. The manifest is authoritative;
// this package only reads files it references.
package version

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// OriginalVersionID is the synthetic id for the uncompressed transcript.
// It appears in listings and can serve as a composition component, but it
// is never a manifest compression record.
const OriginalVersionID = "original"

// Filename builds the version's base name:
//
//	v<NNN>_<mode>-<preset>_<tokens>k[_part<N>]
//
// The .md and .jsonl artifacts share this base. The token count rounds
// to the nearest thousand with a floor of 1.
func Filename(versionID string, settings manifest.CompressionSettings, outputTokens, partNumber int) string {
	kilos := int(math.Round(float64(outputTokens) / 1000))
	if kilos < 1 {
		kilos = 1
	}
	name := fmt.Sprintf("%s_%s-%s_%dk", versionID, settings.Mode, settings.PresetName(), kilos)
	if partNumber > 1 {
		name += fmt.Sprintf("_part%d", partNumber)
	}
	return name
}

var versionIDRe = regexp.MustCompile(`^v(\d{3})$`)

// ParseVersionID returns the numeric component of a v<NNN> id.
func ParseVersionID(id string) (int, error) {
	m := versionIDRe.FindStringSubmatch(id)
	if m == nil {
		return 0, memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed,
			"malformed version id %q", id)
	}
	n, _ := strconv.Atoi(m[1])
	return n, nil
}

// NextVersionID allocates the next monotonic id for a session. Gaps from
// deletions are never reused.
func NextVersionID(sess *manifest.SessionEntry) string {
	max := 0
	for _, rec := range sess.Compressions {
		if n, err := ParseVersionID(rec.VersionID); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("v%03d", max+1)
}

// Info is one listable version, including the synthetic original.
type Info struct {
	VersionID        string                        `json:"versionId"`
	PartNumber       int                           `json:"partNumber"`
	CompressionLevel manifest.CompressionLevel     `json:"compressionLevel,omitempty"`
	CreatedAt        time.Time                     `json:"createdAt"`
	Tokens           int                           `json:"tokens"`
	Messages         int                           `json:"messages"`
	CompressionRatio float64                       `json:"compressionRatio,omitempty"`
	FileSizes        manifest.FileSizes            `json:"fileSizes"`
	MessageRange     *manifest.MessageRange        `json:"messageRange,omitempty"`
	Settings         *manifest.CompressionSettings `json:"settings,omitempty"`
	IsOriginal       bool                          `json:"isOriginal,omitempty"`
	Missing          bool                          `json:"missing,omitempty"` // manifest references a file that is gone
}

// Registry lists, fetches, and deletes versions for one project.
type Registry struct {
	store *manifest.Store
}

func NewRegistry(store *manifest.Store) *Registry {
	return &Registry{store: store}
}

// List returns the original followed by compression versions ordered by
// part then id. Sizes are re-stated from disk so stale manifest sizes
// never mislead.
func (r *Registry) List(ctx context.Context, projectID, sessionID string) ([]Info, error) {
	sess, err := r.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}

	out := []Info{r.originalInfo(projectID, sess)}
	for i := range sess.Compressions {
		out = append(out, r.recordInfo(projectID, sessionID, &sess.Compressions[i]))
	}

	sort.SliceStable(out[1:], func(i, j int) bool {
		a, b := out[i+1], out[j+1]
		if a.PartNumber != b.PartNumber {
			return a.PartNumber < b.PartNumber
		}
		return a.VersionID < b.VersionID
	})
	return out, nil
}

func (r *Registry) originalInfo(projectID string, sess *manifest.SessionEntry) Info {
	info := Info{
		VersionID:  OriginalVersionID,
		PartNumber: 0,
		CreatedAt:  sess.RegisteredAt,
		Tokens:     sess.OriginalTokens,
		Messages:   sess.OriginalMessages,
		IsOriginal: true,
	}
	if st, err := os.Stat(r.store.Layout().OriginalPath(projectID, sess.SessionID)); err == nil {
		info.FileSizes.JSONL = st.Size()
	} else {
		info.Missing = true
	}
	return info
}

func (r *Registry) recordInfo(projectID, sessionID string, rec *manifest.CompressionRecord) Info {
	info := Info{
		VersionID:        rec.VersionID,
		PartNumber:       partOf(rec),
		CompressionLevel: rec.CompressionLevel,
		CreatedAt:        rec.CreatedAt,
		Tokens:           rec.OutputTokens,
		Messages:         rec.OutputMessages,
		CompressionRatio: rec.CompressionRatio,
		FileSizes:        rec.FileSizes,
		MessageRange:     rec.MessageRange,
		Settings:         &rec.Settings,
	}
	mdPath, jsonlPath := r.artifactPaths(projectID, sessionID, rec)
	info.FileSizes, info.Missing = liveSizes(mdPath, jsonlPath, rec.FileSizes)
	if info.Missing {
		slog.Warn("version artifacts missing from disk",
			"project", projectID, "session", sessionID, "version", rec.VersionID)
	}
	return info
}

// Get returns one version. versionID "original" yields the synthetic
// entry for the uncompressed transcript.
func (r *Registry) Get(ctx context.Context, projectID, sessionID, versionID string) (*Info, error) {
	sess, err := r.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if versionID == OriginalVersionID {
		info := r.originalInfo(projectID, sess)
		return &info, nil
	}
	rec := sess.Version(versionID)
	if rec == nil {
		return nil, memerr.E(memerr.KindNotFound, memerr.CodeVersionNotFound,
			"version %s not found in session %s", versionID, sessionID).
			WithDetail("versionId", versionID)
	}
	info := r.recordInfo(projectID, sessionID, rec)
	return &info, nil
}

// Format selects which artifact Content streams.
type Format string

const (
	FormatMD    Format = "md"
	FormatJSONL Format = "jsonl"
)

// Content opens a version artifact for streaming. versionID "original"
// streams the linked transcript (jsonl only).
func (r *Registry) Content(ctx context.Context, projectID, sessionID, versionID string, format Format) (io.ReadCloser, error) {
	if versionID == OriginalVersionID {
		if format == FormatMD {
			return nil, memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed,
				"the original transcript has no markdown rendering")
		}
		return openArtifact(r.store.Layout().OriginalPath(projectID, sessionID))
	}

	sess, err := r.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	rec := sess.Version(versionID)
	if rec == nil {
		return nil, memerr.E(memerr.KindNotFound, memerr.CodeVersionNotFound,
			"version %s not found in session %s", versionID, sessionID).
			WithDetail("versionId", versionID)
	}
	mdPath, jsonlPath := r.artifactPaths(projectID, sessionID, rec)
	switch format {
	case FormatMD:
		return openArtifact(mdPath)
	case FormatJSONL:
		return openArtifact(jsonlPath)
	default:
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed,
			"unknown format %q", format)
	}
}

func openArtifact(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerr.E(memerr.KindNotFound, memerr.CodeVersionNotFound,
				"version artifact %s is missing from disk", filepath.Base(path))
		}
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "open %s", path)
	}
	return f, nil
}

// Delete removes a version's record and artifacts. The original is never
// deletable. Versions referenced by compositions are refused unless force
// is set; forcing leaves the compositions in place but logs what broke.
func (r *Registry) Delete(ctx context.Context, projectID, sessionID, versionID string, force bool) error {
	if versionID == OriginalVersionID {
		return memerr.E(memerr.KindBadRequest, memerr.CodeCannotDeleteOriginal,
			"the original transcript cannot be deleted")
	}

	var mdPath, jsonlPath string
	err := r.store.Update(ctx, projectID, func(m *manifest.Manifest) error {
		sess, ok := m.Sessions[sessionID]
		if !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
				"session %s not registered", sessionID)
		}
		idx := -1
		for i := range sess.Compressions {
			if sess.Compressions[i].VersionID == versionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return memerr.E(memerr.KindNotFound, memerr.CodeVersionNotFound,
				"version %s not found in session %s", versionID, sessionID)
		}

		if refs := m.CompositionsReferencing(sessionID, versionID); len(refs) > 0 {
			if !force {
				return memerr.E(memerr.KindConflict, memerr.CodeVersionInUse,
					"version %s is used by %d composition(s)", versionID, len(refs)).
					WithDetail("compositionIds", refs)
			}
			slog.Warn("force-deleting version referenced by compositions",
				"version", versionID, "compositions", refs)
		}

		mdPath, jsonlPath = r.artifactPaths(projectID, sessionID, &sess.Compressions[idx])
		sess.Compressions = append(sess.Compressions[:idx], sess.Compressions[idx+1:]...)
		return nil
	})
	if err != nil {
		return err
	}

	// Record is gone; artifact removal is best effort and never resurrects it.
	for _, p := range []string{mdPath, jsonlPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("could not remove version artifact", "path", p, "error", err)
		}
	}
	return nil
}

func (r *Registry) artifactPaths(projectID, sessionID string, rec *manifest.CompressionRecord) (md, jsonl string) {
	dir := r.store.Layout().SessionSummariesDir(projectID, sessionID)
	return filepath.Join(dir, rec.File+".md"), filepath.Join(dir, rec.File+".jsonl")
}

func partOf(rec *manifest.CompressionRecord) int {
	if rec.PartNumber == 0 {
		return 1
	}
	return rec.PartNumber
}

func liveSizes(mdPath, jsonlPath string, recorded manifest.FileSizes) (manifest.FileSizes, bool) {
	sizes := recorded
	missing := false
	if st, err := os.Stat(mdPath); err == nil {
		sizes.MD = st.Size()
	} else {
		missing = true
	}
	if st, err := os.Stat(jsonlPath); err == nil {
		sizes.JSONL = st.Size()
	} else {
		missing = true
	}
	return sizes, missing
}
