package compose

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

// writeComposition emits the requested artifacts plus the provenance
// sidecar into the composition directory. Temp-and-rename per file; a
// failure removes everything written so far.
func writeComposition(dir, base, format string, record *manifest.CompositionRecord, resolutions []*resolution) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "create %s", dir)
	}

	var written []string
	fail := func(err error) error {
		for _, p := range written {
			os.Remove(p)
		}
		return err
	}
	emit := func(name string, data []byte) error {
		path := filepath.Join(dir, name)
		if err := writeFileAtomic(path, data); err != nil {
			return fail(err)
		}
		written = append(written, path)
		return nil
	}

	if format == "" || format == "md" || format == "both" {
		if err := emit(base+".md", renderCompositionMD(record, resolutions)); err != nil {
			return err
		}
	}
	if format == "jsonl" || format == "both" || format == "" {
		data, err := renderCompositionJSONL(record, resolutions)
		if err != nil {
			return fail(err)
		}
		if err := emit(base+".jsonl", data); err != nil {
			return err
		}
	}

	sidecar, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fail(memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "encode provenance"))
	}
	return emit("composition.json", sidecar)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "create temp for %s", path)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "close %s", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "rename %s", path)
	}
	return nil
}

// renderCompositionMD builds the human-readable composed context: a table
// of contents, then each session under its own header table.
func renderCompositionMD(record *manifest.CompositionRecord, resolutions []*resolution) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", record.Name)
	if record.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", record.Description)
	}
	fmt.Fprintf(&b, "Composed %s. %d tokens across %d sessions (budget %d, %s allocation).\n\n",
		record.CreatedAt.Format(time.RFC3339), record.ActualTokens,
		len(record.Components), record.TotalTokenBudget, record.AllocationStrategy)

	b.WriteString("## Contents\n\n")
	for i, res := range resolutions {
		fmt.Fprintf(&b, "%d. %s (%s, %d messages)\n",
			i+1, res.component.SessionID, res.versionID, len(res.messages))
	}
	b.WriteString("\n")

	for i, res := range resolutions {
		comp := record.Components[i]
		fmt.Fprintf(&b, "## Session %s\n\n", res.component.SessionID)
		b.WriteString("| | |\n|---|---|\n")
		fmt.Fprintf(&b, "| Version | %s |\n", comp.VersionID)
		fmt.Fprintf(&b, "| Messages | %d |\n", comp.MessageContribution)
		fmt.Fprintf(&b, "| Tokens | %d of %d budgeted |\n", comp.TokenContribution, comp.AllocatedBudget)
		if len(comp.PartSelections) > 0 {
			var parts []string
			for _, ps := range comp.PartSelections {
				parts = append(parts, fmt.Sprintf("part %d: %s", ps.PartNumber, ps.VersionID))
			}
			fmt.Fprintf(&b, "| Parts | %s |\n", strings.Join(parts, ", "))
		}
		b.WriteString("\n")

		for _, m := range res.messages {
			fmt.Fprintf(&b, "### %s — %s\n\n%s\n\n",
				m.Role, m.Timestamp.Format(time.RFC3339), m.Content)
		}
	}
	return []byte(b.String())
}

// composedMessage is a transcript message annotated with its place in the
// composition.
type composedMessage struct {
	transcript.Message
	ComposedSessionID string `json:"sessionId"`
	CompositionOrder  int    `json:"compositionOrder"`
}

// renderCompositionJSONL mirrors the transcript format: header record,
// then per-session boundary markers around annotated messages.
func renderCompositionJSONL(record *manifest.CompositionRecord, resolutions []*resolution) ([]byte, error) {
	var b strings.Builder
	write := func(v any) error {
		line, err := json.Marshal(v)
		if err != nil {
			return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "encode composition line")
		}
		b.Write(line)
		b.WriteByte('\n')
		return nil
	}

	header := struct {
		Type          string    `json:"type"`
		CompositionID string    `json:"compositionId"`
		Name          string    `json:"name"`
		CreatedAt     time.Time `json:"createdAt"`
		Sessions      int       `json:"sessions"`
		TotalTokens   int       `json:"totalTokens"`
	}{"composition_header", record.CompositionID, record.Name, record.CreatedAt,
		len(record.Components), record.ActualTokens}
	if err := write(header); err != nil {
		return nil, err
	}

	for i, res := range resolutions {
		boundary := struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
			VersionID string `json:"versionId"`
			Order     int    `json:"order"`
			Messages  int    `json:"messages"`
		}{"session_boundary", res.component.SessionID, res.versionID, i, len(res.messages)}
		if err := write(boundary); err != nil {
			return nil, err
		}
		for _, m := range res.messages {
			if err := write(composedMessage{Message: m, ComposedSessionID: res.component.SessionID, CompositionOrder: i}); err != nil {
				return nil, err
			}
		}
	}
	return []byte(b.String()), nil
}
