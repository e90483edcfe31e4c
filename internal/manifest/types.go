// Package manifest defines the per-project metadata document and the
// lock-protected, crash-safe store that owns it. The manifest is the
// single source of truth for sessions, compression versions, and
// compositions; files on disk that it does not reference are tolerated
// but never authoritative.
package manifest

import (
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/keepit"
)

// SchemaVersion is the current manifest schema. Older manifests are
// migrated on load (see migrations.go).
const SchemaVersion = "2.1.0"

// Mode selects how a compression targets its ratio.
type Mode string

const (
	ModeUniform Mode = "uniform"
	ModeTiered  Mode = "tiered"
)

// Aggressiveness is the uniform-mode summarization strength.
type Aggressiveness string

const (
	AggressivenessMinimal    Aggressiveness = "minimal"
	AggressivenessModerate   Aggressiveness = "moderate"
	AggressivenessAggressive Aggressiveness = "aggressive"
)

// KeepitMode controls marker handling during compression.
type KeepitMode string

const (
	KeepitPreserveAll KeepitMode = "preserve-all"
	KeepitDecay       KeepitMode = "decay"
	KeepitIgnore      KeepitMode = "ignore"
)

// CompressionLevel is the coarse bucket derived from settings; at most
// one version per (part, level) exists in a session.
type CompressionLevel string

const (
	LevelLight      CompressionLevel = "light"
	LevelModerate   CompressionLevel = "moderate"
	LevelAggressive CompressionLevel = "aggressive"
)

// LinkType records how the engine owns its transcript copy.
type LinkType string

const (
	LinkSymlink LinkType = "symlink"
	LinkCopy    LinkType = "copy"
)

// Tier is one band of a tiered compression: messages up to EndPercent of
// the session get compressed at CompactionRatio.
type Tier struct {
	EndPercent      int            `json:"endPercent"`
	CompactionRatio float64        `json:"compactionRatio"`
	Aggressiveness  Aggressiveness `json:"aggressiveness,omitempty"`
}

// CompressionSettings is the full request for one compression run.
type CompressionSettings struct {
	Mode              Mode           `json:"mode"`
	CompactionRatio   float64        `json:"compactionRatio,omitempty"`   // uniform
	TierPreset        string         `json:"tierPreset,omitempty"`        // tiered
	Tiers             []Tier         `json:"tiers,omitempty"`             // tiered custom
	Aggressiveness    Aggressiveness `json:"aggressiveness,omitempty"`    // uniform
	Model             string         `json:"model,omitempty"`
	SkipFirstMessages int            `json:"skipFirstMessages,omitempty"`
	KeepitMode        KeepitMode     `json:"keepitMode,omitempty"`
	SessionDistance   int            `json:"sessionDistance,omitempty"`
}

// MessageRange identifies the contiguous slice of a session one version
// covers. EndIndex is exclusive.
type MessageRange struct {
	StartIndex     int       `json:"startIndex"`
	EndIndex       int       `json:"endIndex"`
	MessageCount   int       `json:"messageCount"`
	StartTimestamp time.Time `json:"startTimestamp"`
	EndTimestamp   time.Time `json:"endTimestamp"`
}

// KeepitStats summarizes marker handling in one version.
type KeepitStats struct {
	Preserved  int       `json:"preserved"`
	Summarized int       `json:"summarized"`
	Weights    []float64 `json:"weights,omitempty"`
}

// FileSizes are the on-disk sizes of a version's two files.
type FileSizes struct {
	MD    int64 `json:"md"`
	JSONL int64 `json:"jsonl"`
}

// TierResult records the per-tier outcome of a tiered compression.
type TierResult struct {
	Tier         int     `json:"tier"`
	Messages     int     `json:"messages"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Ratio        float64 `json:"ratio"`
}

// CompressionRecord is one version of one part of a session.
type CompressionRecord struct {
	VersionID        string              `json:"versionId"`
	File             string              `json:"file"` // base name; .md and .jsonl siblings
	CreatedAt        time.Time           `json:"createdAt"`
	Settings         CompressionSettings `json:"settings"`
	InputTokens      int                 `json:"inputTokens"`
	InputMessages    int                 `json:"inputMessages"`
	OutputTokens     int                 `json:"outputTokens"`
	OutputMessages   int                 `json:"outputMessages"`
	CompressionRatio float64             `json:"compressionRatio"`
	ProcessingTimeMs int64               `json:"processingTimeMs"`
	KeepitStats      KeepitStats         `json:"keepitStats"`
	FileSizes        FileSizes           `json:"fileSizes"`
	TierResults      []TierResult        `json:"tierResults,omitempty"`

	PartNumber       int              `json:"partNumber"`
	CompressionLevel CompressionLevel `json:"compressionLevel"`
	MessageRange     *MessageRange    `json:"messageRange,omitempty"`
	IsFullSession    bool             `json:"isFullSession,omitempty"` // legacy marker
}

// SessionMetadata is transcript-level context captured at registration.
type SessionMetadata struct {
	CWD          string `json:"cwd,omitempty"`
	GitBranch    string `json:"gitBranch,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
	ProjectName  string `json:"projectName,omitempty"`
}

// SessionEntry is the manifest record for one registered transcript.
type SessionEntry struct {
	SessionID             string              `json:"sessionId"`
	OriginalFile          string              `json:"originalFile"`
	LinkedFile            string              `json:"linkedFile"`
	LinkType              LinkType            `json:"linkType"`
	OriginalTokens        int                 `json:"originalTokens"`
	OriginalMessages      int                 `json:"originalMessages"`
	FirstTimestamp        time.Time           `json:"firstTimestamp"`
	LastTimestamp         time.Time           `json:"lastTimestamp"`
	LastSyncedTimestamp   time.Time           `json:"lastSyncedTimestamp"`
	LastSyncedMessageUUID string              `json:"lastSyncedMessageUuid,omitempty"`
	RegisteredAt          time.Time           `json:"registeredAt"`
	LastAccessed          time.Time           `json:"lastAccessed"`
	Metadata              SessionMetadata     `json:"metadata"`
	KeepitMarkers         []keepit.Marker     `json:"keepitMarkers"`
	Compressions          []CompressionRecord `json:"compressions"`
}

// Version returns the record for a versionId, or nil.
func (s *SessionEntry) Version(versionID string) *CompressionRecord {
	for i := range s.Compressions {
		if s.Compressions[i].VersionID == versionID {
			return &s.Compressions[i]
		}
	}
	return nil
}

// PartSelection records which version served one part in a composition.
type PartSelection struct {
	PartNumber int    `json:"partNumber"`
	VersionID  string `json:"versionId"` // concrete id or "original"
	Tokens     int    `json:"tokens"`
}

// Component is one session's contribution to a composition.
type Component struct {
	SessionID           string          `json:"sessionId"`
	VersionID           string          `json:"versionId"` // concrete id, "original", or "auto-parts"
	Order               int             `json:"order"`
	TokenContribution   int             `json:"tokenContribution"`
	MessageContribution int             `json:"messageContribution"`
	AllocatedBudget     int             `json:"allocatedBudget"`
	PartSelections      []PartSelection `json:"partSelections,omitempty"`
}

// OutputFiles are the three artifacts of a composition.
type OutputFiles struct {
	MD       string `json:"md"`
	JSONL    string `json:"jsonl"`
	Metadata string `json:"metadata"`
}

// CompositionRecord is one composed, budget-bounded context.
type CompositionRecord struct {
	CompositionID      string      `json:"compositionId"`
	Name               string      `json:"name"`
	Description        string      `json:"description,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	Components         []Component `json:"components"`
	AllocationStrategy string      `json:"allocationStrategy"`
	TotalTokenBudget   int         `json:"totalTokenBudget"`
	ActualTokens       int         `json:"actualTokens"`
	TotalMessages      int         `json:"totalMessages"`
	OutputFiles        OutputFiles `json:"outputFiles"`
	UsedInSessions     []string    `json:"usedInSessions,omitempty"`
	LastUsed           *time.Time  `json:"lastUsed,omitempty"`
}

// References reports whether the composition uses the given version.
func (c *CompositionRecord) References(sessionID, versionID string) bool {
	for _, comp := range c.Components {
		if comp.SessionID != sessionID {
			continue
		}
		if comp.VersionID == versionID {
			return true
		}
		for _, ps := range comp.PartSelections {
			if ps.VersionID == versionID {
				return true
			}
		}
	}
	return false
}

// ProjectSettings are project-wide defaults.
type ProjectSettings struct {
	DefaultCompressionPreset string `json:"defaultCompressionPreset"`
	AutoRegisterSessions     bool   `json:"autoRegisterSessions"`
	KeepitDecayEnabled       bool   `json:"keepitDecayEnabled"`
}

// MigrationEvent is one applied schema migration, appended on the
// manifest itself.
type MigrationEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	AppliedAt time.Time `json:"appliedAt"`
}

// Manifest is the per-project metadata document.
type Manifest struct {
	Version          string                        `json:"version"`
	ProjectID        string                        `json:"projectId"`
	DisplayName      string                        `json:"displayName,omitempty"`
	CreatedAt        time.Time                     `json:"createdAt"`
	LastModified     time.Time                     `json:"lastModified"`
	Sessions         map[string]*SessionEntry      `json:"sessions"`
	Compositions     map[string]*CompositionRecord `json:"compositions"`
	Settings         ProjectSettings               `json:"settings"`
	MigrationHistory []MigrationEvent              `json:"_migrationHistory,omitempty"`
}

// New creates an empty manifest at the current schema version.
func New(projectID, displayName string) *Manifest {
	now := time.Now().UTC()
	return &Manifest{
		Version:      SchemaVersion,
		ProjectID:    projectID,
		DisplayName:  displayName,
		CreatedAt:    now,
		LastModified: now,
		Sessions:     map[string]*SessionEntry{},
		Compositions: map[string]*CompositionRecord{},
		Settings: ProjectSettings{
			DefaultCompressionPreset: "standard",
			AutoRegisterSessions:     false,
			KeepitDecayEnabled:       true,
		},
	}
}

// CompositionsReferencing returns the ids of compositions using a version.
func (m *Manifest) CompositionsReferencing(sessionID, versionID string) []string {
	var ids []string
	for id, c := range m.Compositions {
		if c.References(sessionID, versionID) {
			ids = append(ids, id)
		}
	}
	return ids
}
