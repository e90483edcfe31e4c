// Package transcript parses line-delimited JSON conversation transcripts
// and exposes the message graph the engine operates on.
package transcript

import "time"

// TokenUsage is the per-message token breakdown as reported by the agent.
// EstimateTokens falls back to a character heuristic when it is absent.
type TokenUsage struct {
	InputTokens          int `json:"input_tokens,omitempty"`
	OutputTokens         int `json:"output_tokens,omitempty"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

// Message is one transcript turn. Content is the flattened text of the
// message's content blocks; tool calls are rendered as bracketed stubs.
type Message struct {
	Index      int        `json:"index"`
	UUID       string     `json:"uuid"`
	ParentUUID string     `json:"parentUuid,omitempty"`
	Type       string     `json:"type"` // user | assistant | system
	Role       string     `json:"role"`
	Timestamp  time.Time  `json:"timestamp"`
	SessionID  string     `json:"sessionId,omitempty"`
	Content    string     `json:"content"`
	Usage      TokenUsage `json:"usage,omitempty"`

	// Set on synthetic summary messages only.
	IsSummarized    bool     `json:"isSummarized,omitempty"`
	SummarizedCount int      `json:"summarizedCount,omitempty"`
	SummarizedFrom  []string `json:"summarizedFrom,omitempty"`
}

// Metadata is transcript-level context captured from the first lines.
type Metadata struct {
	CWD          string `json:"cwd,omitempty"`
	GitBranch    string `json:"gitBranch,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`
}

// MessageGraph holds the parent links between messages.
type MessageGraph struct {
	Roots      []string            `json:"roots"`
	ChildrenOf map[string][]string `json:"childrenOf"`
	ParentOf   map[string]string   `json:"parentOf"`
}

// Transcript is a fully parsed session transcript.
type Transcript struct {
	Path          string       `json:"path"`
	Messages      []Message    `json:"messages"`
	TotalMessages int          `json:"totalMessages"`
	Metadata      Metadata     `json:"metadata"`
	Graph         MessageGraph `json:"messageGraph"`
	SkippedLines  int          `json:"skippedLines,omitempty"`
}

// FirstTimestamp returns the zero time for empty transcripts.
func (t *Transcript) FirstTimestamp() time.Time {
	if len(t.Messages) == 0 {
		return time.Time{}
	}
	return t.Messages[0].Timestamp
}

func (t *Transcript) LastTimestamp() time.Time {
	if len(t.Messages) == 0 {
		return time.Time{}
	}
	return t.Messages[len(t.Messages)-1].Timestamp
}

// LastUUID returns the UUID of the newest message, or "".
func (t *Transcript) LastUUID() string {
	if len(t.Messages) == 0 {
		return ""
	}
	return t.Messages[len(t.Messages)-1].UUID
}

// Parser is the capability interface the core depends on; the JSONL
// implementation lives in this package, tests substitute fakes.
type Parser interface {
	Parse(path string) (*Transcript, error)
}
