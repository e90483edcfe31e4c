// Package compress runs the incremental compression pipeline: detect the
// uncompressed tail of a session, decay keepit markers, summarize through
// the model, verify preservation, and register the result as a new
// version.
package compress

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/clawmem/internal/delta"
	"github.com/nextlevelbuilder/clawmem/internal/keepit"
	"github.com/nextlevelbuilder/clawmem/internal/locks"
	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
	"github.com/nextlevelbuilder/clawmem/internal/summarize"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
	"github.com/nextlevelbuilder/clawmem/internal/version"
)

var tracer = otel.Tracer("clawmem/compress")

// Engine wires the pipeline's collaborators.
type Engine struct {
	store      *manifest.Store
	locks      *locks.SessionLocks
	parser     transcript.Parser
	summarizer summarize.Summarizer
}

func New(store *manifest.Store, sl *locks.SessionLocks, parser transcript.Parser, summarizer summarize.Summarizer) *Engine {
	return &Engine{store: store, locks: sl, parser: parser, summarizer: summarizer}
}

// Compress runs one incremental compression of a session and returns the
// new version's record. Only the messages added since the last compressed
// part are processed; the session lock is held for the duration, the
// manifest lock only around the final registration.
func (e *Engine) Compress(ctx context.Context, projectID, sessionID string, settings manifest.CompressionSettings) (rec *manifest.CompressionRecord, err error) {
	ctx, span := tracer.Start(ctx, "compress.session")
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("session.id", sessionID),
		attribute.String("compress.mode", string(settings.Mode)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, memerr.CodeOf(err))
		}
		span.End()
	}()

	start := time.Now()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	release, err := e.locks.Acquire(projectID, sessionID, locks.OpCompression)
	if err != nil {
		return nil, err
	}
	defer release()

	// Snapshot only after the lock is ours, so the version id and delta
	// baseline cannot go stale under a concurrent run.
	sess, err := e.store.GetSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}

	tr, err := e.parser.Parse(e.store.Layout().OriginalPath(projectID, sessionID))
	if err != nil {
		return nil, err
	}

	d := delta.Detect(tr, sess.Compressions)
	if !d.HasDelta {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeInsufficientMessages,
			"session %s has no messages beyond part %d", sessionID, d.PreviousPartNumber)
	}

	// skipFirstMessages only applies to the first part; the skipped prefix
	// is carried into the output verbatim.
	skipped := []transcript.Message{}
	work := d.Messages
	if d.IsFirstPart && settings.SkipFirstMessages > 0 && settings.SkipFirstMessages < len(work) {
		skipped = work[:settings.SkipFirstMessages]
		work = work[settings.SkipFirstMessages:]
	}
	if len(work) < 2 {
		return nil, memerr.E(memerr.KindBadRequest, memerr.CodeInsufficientMessages,
			"%d compressible messages; at least 2 required", len(work)).
			WithDetail("messages", len(work))
	}

	markers, decisions, preserve, discovered := e.decideKeepits(sess, work, &settings)

	var outputs []transcript.Message
	var tierResults []manifest.TierResult
	if settings.Mode == manifest.ModeUniform && settings.CompactionRatio == 0 {
		// Ratio 0 is a pass-through: messages copied unchanged.
		outputs = append([]transcript.Message{}, work...)
	} else {
		outputs, tierResults, err = e.summarizeBatches(ctx, sessionID, work, &settings, preserve)
		if err != nil {
			return nil, err
		}
	}

	// Verification never fails a run; missing markers are surfaced loudly.
	stats := manifest.KeepitStats{}
	for _, m := range markers {
		stats.Weights = append(stats.Weights, m.Weight)
	}
	survivedIDs := map[string]bool{}
	if settings.KeepitMode != manifest.KeepitIgnore && len(markers) > 0 {
		report := keepit.Verify(markers, decisions, combinedContent(outputs), keepit.VerifyOptions{})
		stats.Preserved = len(report.Verified) + len(report.Modified)
		stats.Summarized = len(markers) - stats.Preserved
		for _, r := range append(report.Verified, report.Modified...) {
			survivedIDs[r.MarkerID] = true
		}
		for _, r := range report.Missing {
			slog.Warn("keepit content missing from compressed output",
				"session", sessionID, "marker", r.MarkerID, "similarity", r.Similarity)
		}
	} else {
		stats.Summarized = len(markers)
	}

	final := append(append([]transcript.Message{}, skipped...), outputs...)

	versionID := version.NextVersionID(sess)
	partNumber := d.PreviousPartNumber + 1
	outputTokens := transcript.EstimateTokens(final)
	inputTokens := transcript.EstimateTokens(d.Messages)
	base := version.Filename(versionID, settings, outputTokens, partNumber)

	msgRange := &manifest.MessageRange{
		StartIndex:     d.StartIndex,
		EndIndex:       d.EndIndex,
		MessageCount:   d.DeltaCount,
		StartTimestamp: d.StartTimestamp,
		EndTimestamp:   d.EndTimestamp,
	}
	ratio := 0.0
	if outputTokens > 0 {
		ratio = math.Round(float64(inputTokens)/float64(outputTokens)*100) / 100
	}

	header := artifactHeader{
		SessionID:        sessionID,
		VersionID:        versionID,
		PartNumber:       partNumber,
		CreatedAt:        time.Now().UTC(),
		Settings:         settings,
		MessageRange:     msgRange,
		InputMessages:    len(d.Messages),
		OutputMessages:   len(final),
		CompressionRatio: ratio,
	}
	sizes, err := writeArtifacts(e.store.Layout().SessionSummariesDir(projectID, sessionID), base, header, final)
	if err != nil {
		return nil, err
	}

	record := manifest.CompressionRecord{
		VersionID:        versionID,
		File:             base,
		CreatedAt:        header.CreatedAt,
		Settings:         settings,
		InputTokens:      inputTokens,
		InputMessages:    len(d.Messages),
		OutputTokens:     outputTokens,
		OutputMessages:   len(final),
		CompressionRatio: ratio,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		KeepitStats:      stats,
		FileSizes:        sizes,
		TierResults:      tierResults,
		PartNumber:       partNumber,
		CompressionLevel: settings.Level(),
		MessageRange:     msgRange,
	}

	err = e.store.Update(ctx, projectID, func(m *manifest.Manifest) error {
		cur, ok := m.Sessions[sessionID]
		if !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
				"session %s vanished during compression", sessionID)
		}
		if cur.Version(versionID) != nil {
			return memerr.E(memerr.KindConflict, memerr.CodeCompressionInProgress,
				"version %s was registered concurrently in session %s", versionID, sessionID).
				WithDetail("versionId", versionID)
		}
		cur.KeepitMarkers = append(cur.KeepitMarkers, discovered...)
		cur.Compressions = append(cur.Compressions, record)
		cur.LastAccessed = time.Now().UTC()
		cur.LastSyncedTimestamp = tr.LastTimestamp()
		cur.LastSyncedMessageUUID = tr.LastUUID()
		for i := range cur.KeepitMarkers {
			mk := &cur.KeepitMarkers[i]
			if !markerConsidered(markers, mk.MarkerID) {
				continue
			}
			if survivedIDs[mk.MarkerID] {
				mk.SurvivedIn = append(mk.SurvivedIn, versionID)
			} else {
				mk.SummarizedIn = append(mk.SummarizedIn, versionID)
			}
		}
		return nil
	})
	if err != nil {
		// The manifest never saw this version; remove the orphan artifacts.
		removeArtifacts(e.store.Layout().SessionSummariesDir(projectID, sessionID), base)
		return nil, err
	}

	slog.Info("compression finished",
		"project", projectID, "session", sessionID, "version", versionID,
		"part", partNumber, "messages", len(final), "ratio", ratio,
		"elapsed", time.Since(start).Round(time.Millisecond))
	span.SetAttributes(
		attribute.String("compress.version", versionID),
		attribute.Int("compress.part", partNumber),
		attribute.Float64("compress.ratio", ratio),
	)
	return &record, nil
}

// decideKeepits collects the markers on the working messages and applies
// the configured keepit mode. Registered markers contribute their
// identity and history; the message text itself is re-scanned, so
// markers typed into the transcript after registration still count.
// Those are returned separately for the commit to register.
func (e *Engine) decideKeepits(sess *manifest.SessionEntry, work []transcript.Message, settings *manifest.CompressionSettings) (markers []keepit.Marker, decisions []keepit.Decision, preserve []string, discovered []keepit.Marker) {
	inWork := make(map[string]bool, len(work))
	for _, m := range work {
		inWork[m.UUID] = true
	}
	type markerKey struct{ messageUUID, content string }
	seen := map[markerKey]int{}
	for _, mk := range sess.KeepitMarkers {
		if inWork[mk.MessageUUID] {
			markers = append(markers, mk)
			seen[markerKey{mk.MessageUUID, mk.Content}] = len(markers) - 1
		}
	}
	now := time.Now().UTC()
	for _, msg := range work {
		for _, raw := range keepit.Extract(msg.Content) {
			key := markerKey{msg.UUID, raw.Content}
			if i, ok := seen[key]; ok {
				// Text is authoritative for weight and position.
				markers[i].Weight = raw.Weight
				markers[i].Position = raw.StartIndex
				continue
			}
			mk := keepit.Normalize(raw, msg.UUID, msg.Content, now)
			markers = append(markers, mk)
			discovered = append(discovered, mk)
			seen[key] = len(markers) - 1
		}
	}
	if len(markers) == 0 || settings.KeepitMode == manifest.KeepitIgnore {
		return markers, nil, nil, discovered
	}

	switch settings.KeepitMode {
	case manifest.KeepitPreserveAll:
		for _, mk := range markers {
			decisions = append(decisions, keepit.Decision{
				MarkerID: mk.MarkerID, Weight: mk.Weight, Survives: true,
			})
		}
	default: // decay
		preview := keepit.PreviewDecay(markers,
			effectiveRatio(work, settings),
			float64(settings.SessionDistance),
			keepit.Level(settings.Level()))
		decisions = preview.Decisions
	}

	for _, d := range decisions {
		if !d.Survives {
			continue
		}
		for _, mk := range markers {
			if mk.MarkerID == d.MarkerID {
				preserve = append(preserve, mk.Content)
			}
		}
	}
	return markers, decisions, preserve, discovered
}

// summarizeBatches runs the planned batches through the summarizer and
// synthesizes the output message chain.
func (e *Engine) summarizeBatches(ctx context.Context, sessionID string, work []transcript.Message, settings *manifest.CompressionSettings, preserve []string) ([]transcript.Message, []manifest.TierResult, error) {
	batches := planBatches(work, settings)
	var outputs []transcript.Message
	var tierResults []manifest.TierResult
	prevUUID := ""
	firstParent := work[0].ParentUUID

	for _, b := range batches {
		agg := b.Aggressiveness
		if agg == "" {
			agg = settings.Aggressiveness
		}
		res, err := e.summarizer.Summarize(ctx, summarize.Request{
			SessionID:      sessionID,
			Messages:       b.Messages,
			TargetMessages: b.Target,
			Aggressiveness: agg,
			Model:          settings.Model,
			Preserve:       preserveFor(b.Messages, preserve),
		})
		if err != nil {
			return nil, nil, err
		}
		if b.Tier > 0 {
			tierResults = append(tierResults, manifest.TierResult{
				Tier:         b.Tier,
				Messages:     len(b.Messages),
				InputTokens:  res.InputTokens,
				OutputTokens: res.OutputTokens,
				Ratio:        b.Ratio,
			})
		}

		sourceUUIDs := make([]string, len(b.Messages))
		for i, m := range b.Messages {
			sourceUUIDs[i] = m.UUID
		}
		for i, om := range res.Messages {
			msg := transcript.Message{
				UUID:            uuid.NewString(),
				ParentUUID:      prevUUID,
				Type:            om.Role,
				Role:            om.Role,
				Timestamp:       stampFor(b.Messages, i, len(res.Messages)),
				SessionID:       sessionID,
				Content:         om.Summary,
				IsSummarized:    true,
				SummarizedCount: len(b.Messages),
			}
			if len(outputs) == 0 {
				// The chain re-roots at the first original message so graph
				// consumers still find the session's entry point.
				msg.UUID = work[0].UUID
				msg.ParentUUID = firstParent
			}
			if i == 0 {
				msg.SummarizedFrom = sourceUUIDs
			}
			prevUUID = msg.UUID
			outputs = append(outputs, msg)
		}
	}
	return outputs, tierResults, nil
}

// preserveFor narrows the preserve list to content originating in the
// batch, so prompts stay tight.
func preserveFor(msgs []transcript.Message, preserve []string) []string {
	if len(preserve) == 0 {
		return nil
	}
	var out []string
	for _, p := range preserve {
		for _, m := range msgs {
			if strings.Contains(m.Content, p) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// stampFor spreads output timestamps across the batch's span so the
// composed chain stays chronologically ordered.
func stampFor(batch []transcript.Message, i, total int) time.Time {
	if total <= 1 {
		return batch[0].Timestamp
	}
	idx := i * (len(batch) - 1) / (total - 1)
	return batch[idx].Timestamp
}

func combinedContent(msgs []transcript.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func markerConsidered(markers []keepit.Marker, id string) bool {
	for _, m := range markers {
		if m.MarkerID == id {
			return true
		}
	}
	return false
}

func removeArtifacts(dir, base string) {
	for _, ext := range []string{".md", ".jsonl"} {
		path := filepath.Join(dir, base+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("could not remove orphan artifact", "path", path, "error", err)
		}
	}
}
