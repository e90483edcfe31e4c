// Package summarize defines the model-backed summarization capability and
// its CLI subprocess adapter. The engine never talks to a model API
// directly; it shells out to an installed agent CLI the same way the
// transcripts themselves were produced.
package summarize

import (
	"context"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

// Request is one summarization call: a contiguous batch of messages to
// reduce to roughly TargetMessages synthetic messages.
type Request struct {
	SessionID      string
	Messages       []transcript.Message
	TargetMessages int
	Aggressiveness manifest.Aggressiveness
	Model          string
	// Preserve lists verbatim content that must survive into the output.
	Preserve []string
}

// OutputMessage is one synthetic message from the model.
type OutputMessage struct {
	Role    string `json:"role"`
	Summary string `json:"summary"`
}

// Result is the model's reduction of one request.
type Result struct {
	Messages     []OutputMessage
	InputTokens  int
	OutputTokens int
}

// Summarizer reduces message batches. Implementations must honor ctx
// cancellation and deadlines.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Result, error)
}
