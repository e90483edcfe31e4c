package compress

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

// artifactHeader is the metadata block at the top of both artifacts.
type artifactHeader struct {
	SessionID        string                       `json:"sessionId"`
	VersionID        string                       `json:"versionId"`
	PartNumber       int                          `json:"partNumber"`
	CreatedAt        time.Time                    `json:"createdAt"`
	Settings         manifest.CompressionSettings `json:"settings"`
	MessageRange     *manifest.MessageRange       `json:"messageRange,omitempty"`
	InputMessages    int                          `json:"inputMessages"`
	OutputMessages   int                          `json:"outputMessages"`
	CompressionRatio float64                      `json:"compressionRatio"`
}

// writeArtifacts renders the .md and .jsonl files for a version. Both are
// written to temp siblings and renamed; on any failure the partials are
// removed so a crashed run leaves nothing behind.
func writeArtifacts(dir, base string, header artifactHeader, msgs []transcript.Message) (manifest.FileSizes, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return manifest.FileSizes{}, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError,
			"create %s", dir)
	}
	mdPath := filepath.Join(dir, base+".md")
	jsonlPath := filepath.Join(dir, base+".jsonl")

	if err := writeAtomic(mdPath, renderMarkdown(header, msgs)); err != nil {
		return manifest.FileSizes{}, err
	}
	jsonl, err := renderJSONL(header, msgs)
	if err != nil {
		os.Remove(mdPath)
		return manifest.FileSizes{}, err
	}
	if err := writeAtomic(jsonlPath, jsonl); err != nil {
		os.Remove(mdPath)
		return manifest.FileSizes{}, err
	}

	var sizes manifest.FileSizes
	if st, err := os.Stat(mdPath); err == nil {
		sizes.MD = st.Size()
	}
	if st, err := os.Stat(jsonlPath); err == nil {
		sizes.JSONL = st.Size()
	}
	return sizes, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "create temp for %s", path)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return wrapWrite(err, path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return wrapWrite(err, path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return wrapWrite(err, path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return wrapWrite(err, path)
	}
	return nil
}

func wrapWrite(err error, path string) error {
	return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "write %s", path)
}

// renderMarkdown is the human-readable artifact: a metadata table and one
// section per message.
func renderMarkdown(h artifactHeader, msgs []transcript.Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s — %s\n\n", h.SessionID, h.VersionID)
	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Part | %d |\n", h.PartNumber)
	fmt.Fprintf(&b, "| Created | %s |\n", h.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "| Mode | %s |\n", h.Settings.Mode)
	fmt.Fprintf(&b, "| Messages | %d from %d |\n", h.OutputMessages, h.InputMessages)
	fmt.Fprintf(&b, "| Ratio | %.1f:1 |\n", h.CompressionRatio)
	if h.MessageRange != nil {
		fmt.Fprintf(&b, "| Range | [%d, %d) |\n", h.MessageRange.StartIndex, h.MessageRange.EndIndex)
	}
	b.WriteString("\n")

	for i, m := range msgs {
		fmt.Fprintf(&b, "## %d. %s\n\n%s\n\n", i+1, m.Role, m.Content)
	}
	return []byte(b.String())
}

// renderJSONL mirrors the transcript format: a header line then one line
// per synthetic message, so composed outputs can be parsed by the same
// parser as originals.
func renderJSONL(h artifactHeader, msgs []transcript.Message) ([]byte, error) {
	var b strings.Builder
	head, err := json.Marshal(struct {
		Type string `json:"type"`
		artifactHeader
	}{Type: "compression_header", artifactHeader: h})
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "encode header")
	}
	b.Write(head)
	b.WriteByte('\n')
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "encode message")
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}
