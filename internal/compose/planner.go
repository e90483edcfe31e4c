package compose

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawmem/internal/layout"
	"github.com/nextlevelbuilder/clawmem/internal/locks"
	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
	"github.com/nextlevelbuilder/clawmem/internal/version"
)

var tracer = otel.Tracer("clawmem/compose")

// minBudget is the smallest workable composition budget.
const minBudget = 1000

// Compressor is the slice of the compression engine the planner needs.
type Compressor interface {
	Compress(ctx context.Context, projectID, sessionID string, settings manifest.CompressionSettings) (*manifest.CompressionRecord, error)
}

// ComponentRequest selects one session's contribution.
type ComponentRequest struct {
	SessionID          string                        `json:"sessionId"`
	VersionID          string                        `json:"versionId,omitempty"`
	RecompressSettings *manifest.CompressionSettings `json:"recompressSettings,omitempty"`
	UsePartSelection   bool                          `json:"usePartSelection,omitempty"`
	Weight             float64                       `json:"weight,omitempty"`
}

// Request is one composition order.
type Request struct {
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	Components         []ComponentRequest `json:"components"`
	TotalTokenBudget   int                `json:"totalTokenBudget"`
	AllocationStrategy string             `json:"allocationStrategy,omitempty"`
	OutputFormat       string             `json:"outputFormat,omitempty"` // md | jsonl | both
	Model              string             `json:"model,omitempty"`
}

// Action classifies how a component gets resolved.
type Action string

const (
	ActionUseOriginal Action = "use-original"
	ActionUseExisting Action = "use-existing"
	ActionUseParts    Action = "use-parts"
	ActionCreateNew   Action = "create-new"
)

// resolution is the planner's verdict for one component.
type resolution struct {
	component ComponentRequest
	action    Action
	versionID string
	record    *manifest.CompressionRecord
	partPlan  *PartPlan
	budget    int
	tokens    int
	messages  []transcript.Message
}

// Planner resolves composition requests against the manifest and the
// compression engine.
type Planner struct {
	store      *manifest.Store
	locks      *locks.SessionLocks
	parser     transcript.Parser
	compressor Compressor
}

func NewPlanner(store *manifest.Store, sl *locks.SessionLocks, parser transcript.Parser, c Compressor) *Planner {
	return &Planner{store: store, locks: sl, parser: parser, compressor: c}
}

func (p *Planner) validate(req *Request) error {
	if strings.TrimSpace(req.Name) == "" {
		return memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed, "composition name is empty")
	}
	if req.TotalTokenBudget < minBudget {
		return memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
			"totalTokenBudget %d below minimum %d", req.TotalTokenBudget, minBudget)
	}
	if len(req.Components) == 0 {
		return memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed, "no components")
	}
	switch req.OutputFormat {
	case "", "md", "jsonl", "both":
	default:
		return memerr.E(memerr.KindBadRequest, memerr.CodeInvalidFormat,
			"unknown output format %q", req.OutputFormat)
	}
	return nil
}

// plan allocates budgets and resolves every component. createNew controls
// whether resolution may invoke the compression engine (false for preview).
func (p *Planner) plan(ctx context.Context, projectID string, req *Request, m *manifest.Manifest, createNew bool) ([]*resolution, string, error) {
	inputs := make([]allocInput, len(req.Components))
	sessions := make([]*manifest.SessionEntry, len(req.Components))
	for i, c := range req.Components {
		sess, ok := m.Sessions[c.SessionID]
		if !ok {
			return nil, "", memerr.E(memerr.KindNotFound, memerr.CodeSessionNotFound,
				"session %s not registered", c.SessionID).WithDetail("sessionId", c.SessionID)
		}
		sessions[i] = sess
		inputs[i] = allocInput{OriginalTokens: sess.OriginalTokens, Weight: c.Weight}
	}

	strategy := req.AllocationStrategy
	if strategy == "" {
		strategy = SuggestAllocation(inputs)
	}
	budgets, err := AllocateBudget(inputs, strategy, req.TotalTokenBudget)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	resolutions := make([]*resolution, len(req.Components))
	g, gctx := errgroup.WithContext(ctx)
	for i := range req.Components {
		g.Go(func() error {
			res, err := p.resolve(gctx, projectID, req.Components[i], sessions[i], budgets[i], i, req.Model, createNew, now)
			if err != nil {
				return err
			}
			resolutions[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}
	return resolutions, strategy, nil
}

func (p *Planner) resolve(ctx context.Context, projectID string, c ComponentRequest, sess *manifest.SessionEntry, budget, index int, model string, createNew bool, now time.Time) (*resolution, error) {
	res := &resolution{component: c, budget: budget}

	switch {
	case c.VersionID == version.OriginalVersionID:
		res.action = ActionUseOriginal
		res.versionID = version.OriginalVersionID
		res.tokens = sess.OriginalTokens

	case c.VersionID != "":
		rec := sess.Version(c.VersionID)
		if rec == nil {
			return nil, memerr.E(memerr.KindNotFound, memerr.CodeVersionNotFound,
				"version %s not found in session %s", c.VersionID, sess.SessionID)
		}
		res.action = ActionUseExisting
		res.versionID = rec.VersionID
		res.record = rec
		res.tokens = rec.OutputTokens

	case c.RecompressSettings != nil:
		res.action = ActionCreateNew
		settings := *c.RecompressSettings
		settings.SessionDistance = index + 1
		if settings.Model == "" {
			settings.Model = model
		}
		if !createNew {
			res.tokens = estimateCompressed(sess.OriginalTokens, &settings)
			return res, nil
		}
		rec, err := p.compressor.Compress(ctx, projectID, sess.SessionID, settings)
		if err != nil {
			return nil, err
		}
		res.versionID = rec.VersionID
		res.record = rec
		res.tokens = rec.OutputTokens

	case c.UsePartSelection:
		plan := ComposeParts(sess, budget, true, now)
		res.action = ActionUseParts
		res.partPlan = &plan
		res.versionID = "auto-parts"
		res.tokens = plan.TotalTokens
		if plan.UsesOriginal {
			res.action = ActionUseOriginal
			res.versionID = version.OriginalVersionID
		}

	default:
		return p.autoSelect(ctx, projectID, sess, budget, model, createNew, now, res)
	}
	return res, nil
}

// autoSelect implements selectBestVersion: original when it fits, the best
// scoring existing version when good enough, a fresh tiered compression
// otherwise.
func (p *Planner) autoSelect(ctx context.Context, projectID string, sess *manifest.SessionEntry, budget int, model string, createNew bool, now time.Time, res *resolution) (*resolution, error) {
	if sess.OriginalTokens <= budget {
		res.action = ActionUseOriginal
		res.versionID = version.OriginalVersionID
		res.tokens = sess.OriginalTokens
		return res, nil
	}

	recs := make([]*manifest.CompressionRecord, 0, len(sess.Compressions))
	for i := range sess.Compressions {
		recs = append(recs, &sess.Compressions[i])
	}
	best, score := bestVersion(recs, Criteria{MaxTokens: budget, PreserveKeepits: true}, now)
	if best != nil && score >= autoSelectThreshold {
		res.action = ActionUseExisting
		res.versionID = best.VersionID
		res.record = best
		res.tokens = best.OutputTokens
		return res, nil
	}

	requiredRatio := int(math.Ceil(float64(sess.OriginalTokens) / float64(budget)))
	settings := manifest.CompressionSettings{
		Mode:       manifest.ModeTiered,
		TierPreset: presetForRatio(requiredRatio),
		Model:      model,
	}
	res.action = ActionCreateNew
	if !createNew {
		res.tokens = sess.OriginalTokens / maxInt(requiredRatio, 1)
		return res, nil
	}
	rec, err := p.compressor.Compress(ctx, projectID, sess.SessionID, settings)
	if err != nil {
		return nil, err
	}
	res.versionID = rec.VersionID
	res.record = rec
	res.tokens = rec.OutputTokens
	return res, nil
}

func presetForRatio(ratio int) string {
	switch {
	case ratio > 20:
		return "aggressive"
	case ratio > 10:
		return "standard"
	default:
		return "gentle"
	}
}

// ComposeContext plans, assembles, and persists one composition.
func (p *Planner) ComposeContext(ctx context.Context, projectID string, req Request) (rec *manifest.CompositionRecord, err error) {
	ctx, span := tracer.Start(ctx, "compose.context")
	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("composition.name", req.Name),
		attribute.Int("composition.budget", req.TotalTokenBudget),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if err := p.validate(&req); err != nil {
		return nil, err
	}
	m, err := p.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// One composition lock per distinct session, released together.
	releases, err := p.lockSessions(projectID, req.Components)
	if err != nil {
		return nil, err
	}
	defer releases()

	resolutions, strategy, err := p.plan(ctx, projectID, &req, m, true)
	if err != nil {
		return nil, err
	}

	for _, res := range resolutions {
		if err := p.loadMessages(projectID, res); err != nil {
			return nil, err
		}
	}

	record := p.buildRecord(req, strategy, resolutions)
	dir := p.store.Layout().CompositionDir(projectID, req.Name)
	if err := writeComposition(dir, layoutBase(req.Name), req.OutputFormat, record, resolutions); err != nil {
		return nil, err
	}

	err = p.store.Update(ctx, projectID, func(m *manifest.Manifest) error {
		m.Compositions[record.CompositionID] = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("composition created",
		"project", projectID, "composition", record.CompositionID,
		"name", req.Name, "components", len(resolutions),
		"tokens", record.ActualTokens, "strategy", strategy)
	return record, nil
}

func (p *Planner) lockSessions(projectID string, components []ComponentRequest) (func(), error) {
	seen := map[string]bool{}
	var releases []func()
	releaseAll := func() {
		for _, r := range releases {
			r()
		}
	}
	for _, c := range components {
		if seen[c.SessionID] {
			continue
		}
		seen[c.SessionID] = true
		release, err := p.locks.Acquire(projectID, c.SessionID, locks.OpComposition)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (p *Planner) buildRecord(req Request, strategy string, resolutions []*resolution) *manifest.CompositionRecord {
	record := &manifest.CompositionRecord{
		CompositionID:      "comp_" + uuid.NewString(),
		Name:               req.Name,
		Description:        req.Description,
		CreatedAt:          time.Now().UTC(),
		AllocationStrategy: strategy,
		TotalTokenBudget:   req.TotalTokenBudget,
	}
	base := layoutBase(req.Name)
	record.OutputFiles = manifest.OutputFiles{
		MD:       base + ".md",
		JSONL:    base + ".jsonl",
		Metadata: "composition.json",
	}
	for i, res := range resolutions {
		comp := manifest.Component{
			SessionID:           res.component.SessionID,
			VersionID:           res.versionID,
			Order:               i,
			TokenContribution:   transcript.EstimateTokens(res.messages),
			MessageContribution: len(res.messages),
			AllocatedBudget:     res.budget,
		}
		if res.partPlan != nil {
			comp.PartSelections = res.partPlan.Selections()
		}
		record.Components = append(record.Components, comp)
		record.ActualTokens += comp.TokenContribution
		record.TotalMessages += comp.MessageContribution
	}
	return record
}

// loadMessages materializes the chosen content for one component.
func (p *Planner) loadMessages(projectID string, res *resolution) error {
	sessionID := res.component.SessionID
	switch res.action {
	case ActionUseOriginal:
		tr, err := p.parser.Parse(p.store.Layout().OriginalPath(projectID, sessionID))
		if err != nil {
			return err
		}
		res.messages = tr.Messages
	case ActionUseParts:
		for _, choice := range res.partPlan.Choices {
			if choice.Record == nil {
				return memerr.E(memerr.KindInternal, memerr.CodeValidationFailed,
					"part %d of session %s resolved without a version", choice.PartNumber, sessionID)
			}
			msgs, err := p.readVersionJSONL(projectID, sessionID, choice.Record)
			if err != nil {
				return err
			}
			res.messages = append(res.messages, msgs...)
		}
	default: // use-existing, create-new
		msgs, err := p.readVersionJSONL(projectID, sessionID, res.record)
		if err != nil {
			return err
		}
		res.messages = msgs
	}
	return nil
}

// readVersionJSONL loads the synthetic messages from a version artifact,
// skipping its header record.
func (p *Planner) readVersionJSONL(projectID, sessionID string, rec *manifest.CompressionRecord) ([]transcript.Message, error) {
	path := filepath.Join(p.store.Layout().SessionSummariesDir(projectID, sessionID), rec.File+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, memerr.E(memerr.KindNotFound, memerr.CodeVersionNotFound,
				"artifact for version %s is missing", rec.VersionID)
		}
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "open %s", path)
	}
	defer f.Close()

	var msgs []transcript.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var head struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(line, &head) == nil && head.Type == "compression_header" {
				continue
			}
		}
		var msg transcript.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeParseError,
				"bad line in %s", path)
		}
		msgs = append(msgs, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError, "read %s", path)
	}
	return msgs, nil
}

// ComponentPreview is the dry-run verdict for one component.
type ComponentPreview struct {
	SessionID       string  `json:"sessionId"`
	Action          Action  `json:"action"`
	VersionID       string  `json:"versionId,omitempty"`
	AllocatedBudget int     `json:"allocatedBudget"`
	EstimatedTokens int     `json:"estimatedTokens"`
	Score           float64 `json:"score,omitempty"`
}

// Preview is the dry-run plan for a whole request.
type Preview struct {
	Strategy           string             `json:"allocationStrategy"`
	Components         []ComponentPreview `json:"components"`
	EstimatedTokens    int                `json:"estimatedTokens"`
	CompressionsNeeded int                `json:"compressionsNeeded"`
}

// PreviewComposition plans without invoking the summarizer or writing
// anything.
func (p *Planner) PreviewComposition(ctx context.Context, projectID string, req Request) (*Preview, error) {
	if err := p.validate(&req); err != nil {
		return nil, err
	}
	m, err := p.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	resolutions, strategy, err := p.plan(ctx, projectID, &req, m, false)
	if err != nil {
		return nil, err
	}

	preview := &Preview{Strategy: strategy}
	for _, res := range resolutions {
		cp := ComponentPreview{
			SessionID:       res.component.SessionID,
			Action:          res.action,
			VersionID:       res.versionID,
			AllocatedBudget: res.budget,
			EstimatedTokens: res.tokens,
		}
		if res.action == ActionCreateNew {
			preview.CompressionsNeeded++
		}
		preview.Components = append(preview.Components, cp)
		preview.EstimatedTokens += res.tokens
	}
	return preview, nil
}

// MarkCompositionUsed appends an audit entry when a composition seeds a
// new session.
func (p *Planner) MarkCompositionUsed(ctx context.Context, projectID, compositionID, usedInSession string) error {
	return p.store.Update(ctx, projectID, func(m *manifest.Manifest) error {
		comp, ok := m.Compositions[compositionID]
		if !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeCompositionNotFound,
				"composition %s not found", compositionID)
		}
		comp.UsedInSessions = append(comp.UsedInSessions, usedInSession)
		now := time.Now().UTC()
		comp.LastUsed = &now
		return nil
	})
}

// ListCompositions returns records ordered by creation time, newest first.
func (p *Planner) ListCompositions(ctx context.Context, projectID string) ([]*manifest.CompositionRecord, error) {
	m, err := p.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]*manifest.CompositionRecord, 0, len(m.Compositions))
	for _, c := range m.Compositions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CompositionDetail is one record plus read-time integrity annotations:
// versions in its lineage that have since been deleted.
type CompositionDetail struct {
	*manifest.CompositionRecord
	MissingVersions []string `json:"missingVersions,omitempty"` // sessionId/versionId
}

// GetComposition fetches one record and annotates dangling version
// references, so a force-deleted dependency is visible on read.
func (p *Planner) GetComposition(ctx context.Context, projectID, compositionID string) (*CompositionDetail, error) {
	m, err := p.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	comp, ok := m.Compositions[compositionID]
	if !ok {
		return nil, memerr.E(memerr.KindNotFound, memerr.CodeCompositionNotFound,
			"composition %s not found", compositionID)
	}
	detail := &CompositionDetail{CompositionRecord: comp}
	seen := map[string]bool{}
	note := func(sessionID, versionID string) {
		if versionID == "" || versionID == version.OriginalVersionID || versionID == "auto-parts" {
			return
		}
		ref := sessionID + "/" + versionID
		if seen[ref] {
			return
		}
		sess := m.Sessions[sessionID]
		if sess == nil || sess.Version(versionID) == nil {
			seen[ref] = true
			detail.MissingVersions = append(detail.MissingVersions, ref)
		}
	}
	for _, c := range comp.Components {
		note(c.SessionID, c.VersionID)
		for _, sel := range c.PartSelections {
			note(c.SessionID, sel.VersionID)
		}
	}
	return detail, nil
}

// DeleteComposition removes the record and its output directory.
func (p *Planner) DeleteComposition(ctx context.Context, projectID, compositionID string) error {
	var name string
	err := p.store.Update(ctx, projectID, func(m *manifest.Manifest) error {
		comp, ok := m.Compositions[compositionID]
		if !ok {
			return memerr.E(memerr.KindNotFound, memerr.CodeCompositionNotFound,
				"composition %s not found", compositionID)
		}
		name = comp.Name
		delete(m.Compositions, compositionID)
		return nil
	})
	if err != nil {
		return err
	}
	dir := p.store.Layout().CompositionDir(projectID, name)
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("could not remove composition directory", "dir", dir, "error", err)
	}
	return nil
}

// estimateCompressed is the preview-time token estimate for a planned
// recompression.
func estimateCompressed(originalTokens int, settings *manifest.CompressionSettings) int {
	ratio := settings.CompactionRatio
	if settings.Mode == manifest.ModeTiered {
		total, weighted := 0.0, 0.0
		for _, t := range settings.ResolvedTiers() {
			total += 1
			weighted += t.CompactionRatio
		}
		if total > 0 {
			ratio = weighted / total
		}
	}
	if ratio < 1 {
		return originalTokens
	}
	return int(float64(originalTokens) / ratio)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func layoutBase(name string) string {
	return layout.SanitizeName(name)
}
