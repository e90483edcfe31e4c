package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

// DefaultDeadline bounds one summarizer subprocess call.
const DefaultDeadline = 5 * time.Minute

// CLIOptions configure the subprocess adapter.
type CLIOptions struct {
	// Binary is the agent CLI on PATH, e.g. "claude".
	Binary string
	// Deadline per call; DefaultDeadline when zero.
	Deadline time.Duration
	// CallsPerMinute throttles subprocess launches. Zero disables.
	CallsPerMinute int
}

// CLI summarizes by shelling out to an agent CLI in non-interactive mode
// and parsing its JSON reply.
type CLI struct {
	opts    CLIOptions
	limiter *rate.Limiter
	// run is swapped in tests.
	run func(ctx context.Context, prompt string, model string) ([]byte, error)
}

func NewCLI(opts CLIOptions) *CLI {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	c := &CLI{opts: opts}
	if opts.CallsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.CallsPerMinute)/60.0), 1)
	}
	c.run = c.runSubprocess
	return c
}

// cliReply is the JSON document the CLI prints in --output-format json.
type cliReply struct {
	Messages []OutputMessage `json:"messages"`
}

func (c *CLI) Summarize(ctx context.Context, req Request) (*Result, error) {
	if len(req.Messages) == 0 {
		return &Result{}, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, memerr.Wrap(err, memerr.KindRateLimit, memerr.CodeModelRateLimit,
				"summarizer throttle interrupted")
		}
	}

	prompt := buildPrompt(req)
	start := time.Now()
	out, err := c.run(ctx, prompt, req.Model)
	if err != nil {
		if ctx.Err() != nil {
			return nil, memerr.Wrap(ctx.Err(), memerr.KindInternal, memerr.CodeCompressionFailed,
				"summarizer deadline exceeded after %s", time.Since(start).Round(time.Second))
		}
		if isRateLimited(err) {
			return nil, memerr.Wrap(err, memerr.KindRateLimit, memerr.CodeModelRateLimit,
				"model refused with a rate limit")
		}
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeCompressionFailed,
			"summarizer subprocess failed")
	}

	var reply cliReply
	if err := json.Unmarshal(extractJSON(out), &reply); err != nil {
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeCompressionFailed,
			"summarizer returned unparseable output")
	}
	if len(reply.Messages) == 0 {
		return nil, memerr.E(memerr.KindInternal, memerr.CodeCompressionFailed,
			"summarizer returned no messages")
	}

	res := &Result{Messages: reply.Messages}
	res.InputTokens = transcript.EstimateTokens(req.Messages)
	for _, m := range reply.Messages {
		res.OutputTokens += transcript.MessageTokens(transcript.Message{Content: m.Summary})
	}
	slog.Debug("summarizer call finished",
		"session", req.SessionID,
		"inputMessages", len(req.Messages),
		"outputMessages", len(reply.Messages),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (c *CLI) runSubprocess(ctx context.Context, prompt, model string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Deadline)
	defer cancel()

	args := []string{"-p", "--output-format", "json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	cmd := exec.CommandContext(ctx, c.opts.Binary, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func isRateLimited(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate limit") || strings.Contains(s, "429") ||
		strings.Contains(s, "overloaded")
}

// extractJSON tolerates CLI banners around the JSON document.
func extractJSON(out []byte) []byte {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end <= start {
		return out
	}
	return out[start : end+1]
}

var aggressivenessGuidance = map[manifest.Aggressiveness]string{
	manifest.AggressivenessMinimal: "Condense lightly. Keep concrete identifiers, file paths, " +
		"error messages, and decisions close to verbatim.",
	manifest.AggressivenessModerate: "Condense firmly. Keep decisions, outcomes, and named " +
		"artifacts; drop conversational back-and-forth.",
	manifest.AggressivenessAggressive: "Condense hard. Keep only decisions, final outcomes, and " +
		"anything explicitly marked for preservation.",
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are compressing a development session transcript into fewer messages.\n")
	fmt.Fprintf(&b, "Reduce the %d messages below to at most %d messages.\n",
		len(req.Messages), req.TargetMessages)
	guidance, ok := aggressivenessGuidance[req.Aggressiveness]
	if !ok {
		guidance = aggressivenessGuidance[manifest.AggressivenessModerate]
	}
	b.WriteString(guidance)
	b.WriteString("\n")

	if len(req.Preserve) > 0 {
		b.WriteString("\nThe following passages MUST appear verbatim in your output:\n")
		for _, p := range req.Preserve {
			fmt.Fprintf(&b, "---\n%s\n", p)
		}
		b.WriteString("---\n")
	}

	b.WriteString("\nReply with ONLY a JSON object: " +
		`{"messages":[{"role":"user"|"assistant","summary":"..."}]}` + "\n\n")
	b.WriteString("TRANSCRIPT:\n")
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	return b.String()
}
