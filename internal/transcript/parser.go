package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// FileParser reads line-delimited JSON transcripts. Malformed lines are
// skipped with a warning rather than failing the whole parse; a transcript
// with zero parseable messages is a parse error.
type FileParser struct{}

func NewFileParser() *FileParser { return &FileParser{} }

// rawLine mirrors one transcript line on disk. Content may be a plain
// string or an array of typed blocks.
type rawLine struct {
	Type       string          `json:"type"`
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid"`
	Timestamp  string          `json:"timestamp"`
	SessionID  string          `json:"sessionId"`
	CWD        string          `json:"cwd"`
	GitBranch  string          `json:"gitBranch"`
	Version    string          `json:"version"`
	Message    *rawMessage     `json:"message"`
	Summary    json.RawMessage `json:"summary"` // sidechain lines, ignored
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *TokenUsage     `json:"usage"`
}

type rawBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`  // tool_use
	Input any    `json:"input"` // tool_use
}

func (p *FileParser) Parse(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerr.Wrap(err, memerr.KindNotFound, memerr.CodeFileNotFound, "transcript %s", path)
		}
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "open transcript %s", path)
	}
	defer f.Close()

	t := &Transcript{Path: path}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var raw rawLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			t.SkippedLines++
			slog.Warn("skipping malformed transcript line", "path", path, "line", lineNo, "error", err)
			continue
		}
		msg, ok := messageFromRaw(&raw)
		if !ok {
			continue
		}
		if t.Metadata.CWD == "" && raw.CWD != "" {
			t.Metadata.CWD = raw.CWD
		}
		if t.Metadata.GitBranch == "" && raw.GitBranch != "" {
			t.Metadata.GitBranch = raw.GitBranch
		}
		if t.Metadata.AgentVersion == "" && raw.Version != "" {
			t.Metadata.AgentVersion = raw.Version
		}
		t.Messages = append(t.Messages, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, memerr.Wrap(err, memerr.KindBadRequest, memerr.CodeParseError, "read transcript %s", path)
	}
	if len(t.Messages) == 0 {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeParseError, "no parseable messages in %s", path)
	}

	sortStable(t.Messages)
	for i := range t.Messages {
		t.Messages[i].Index = i
	}
	t.TotalMessages = len(t.Messages)
	t.Graph = buildGraph(t.Messages)
	return t, nil
}

func messageFromRaw(raw *rawLine) (Message, bool) {
	switch raw.Type {
	case "user", "assistant", "system":
	default:
		return Message{}, false
	}
	if raw.Message == nil || raw.UUID == "" {
		return Message{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		if ts2, err2 := time.Parse(time.RFC3339, raw.Timestamp); err2 == nil {
			ts = ts2
		}
	}
	msg := Message{
		UUID:       raw.UUID,
		ParentUUID: raw.ParentUUID,
		Type:       raw.Type,
		Role:       raw.Message.Role,
		Timestamp:  ts,
		SessionID:  raw.SessionID,
		Content:    flattenContent(raw.Message.Content),
	}
	if msg.Role == "" {
		msg.Role = raw.Type
	}
	if raw.Message.Usage != nil {
		msg.Usage = *raw.Message.Usage
	}
	return msg, true
}

// flattenContent renders either a plain string or a block array to text.
// Tool interactions become bracketed stubs so keepit markers embedded in
// text blocks keep their byte positions within the flattened form.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		switch blk.Type {
		case "text":
			b.WriteString(blk.Text)
		case "tool_use":
			fmt.Fprintf(&b, "[tool_use: %s]", blk.Name)
		case "tool_result":
			b.WriteString("[tool_result]")
		case "thinking":
			// Thinking blocks are never carried into compressed output.
		default:
			fmt.Fprintf(&b, "[%s]", blk.Type)
		}
	}
	return b.String()
}

// sortStable orders by timestamp, preserving file order for equal instants.
func sortStable(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

func buildGraph(msgs []Message) MessageGraph {
	g := MessageGraph{
		ChildrenOf: make(map[string][]string, len(msgs)),
		ParentOf:   make(map[string]string, len(msgs)),
	}
	for _, m := range msgs {
		if m.ParentUUID == "" {
			g.Roots = append(g.Roots, m.UUID)
			continue
		}
		g.ParentOf[m.UUID] = m.ParentUUID
		g.ChildrenOf[m.ParentUUID] = append(g.ChildrenOf[m.ParentUUID], m.UUID)
	}
	return g
}
