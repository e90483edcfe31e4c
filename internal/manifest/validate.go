package manifest

import (
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// Validate enforces the save-time schema rules. A manifest that fails
// here never reaches disk.
func (m *Manifest) Validate() error {
	bad := func(format string, args ...any) error {
		return memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed, format, args...)
	}

	if m.Version == "" {
		return bad("manifest version is empty")
	}
	if m.ProjectID == "" {
		return bad("projectId is empty")
	}
	if m.Sessions == nil {
		return bad("sessions mapping is nil")
	}
	if m.Compositions == nil {
		return bad("compositions mapping is nil")
	}
	if !validPresets[m.Settings.DefaultCompressionPreset] {
		return bad("defaultCompressionPreset %q not in {light, standard, aggressive, custom}",
			m.Settings.DefaultCompressionPreset)
	}

	for key, sess := range m.Sessions {
		if sess == nil {
			return bad("session %q is nil", key)
		}
		if sess.SessionID != key {
			return bad("session key %q does not match sessionId %q", key, sess.SessionID)
		}
		if sess.OriginalTokens < 0 {
			return bad("session %q originalTokens < 0", key)
		}
		if sess.OriginalMessages < 0 {
			return bad("session %q originalMessages < 0", key)
		}
		if sess.KeepitMarkers == nil {
			return bad("session %q keepitMarkers is nil", key)
		}
		if sess.Compressions == nil {
			return bad("session %q compressions is nil", key)
		}
		if err := validateCompressions(key, sess.Compressions); err != nil {
			return err
		}
	}
	return nil
}

// validateCompressions checks versionId uniqueness and the one-version-
// per-(part, level) invariant.
func validateCompressions(sessionID string, recs []CompressionRecord) error {
	bad := func(format string, args ...any) error {
		return memerr.E(memerr.KindBadRequest, memerr.CodeValidationFailed, format, args...)
	}
	seenIDs := make(map[string]bool, len(recs))
	type partLevel struct {
		part  int
		level CompressionLevel
	}
	seenPL := make(map[partLevel]bool, len(recs))

	for _, rec := range recs {
		if rec.VersionID == "" {
			return bad("session %q has a compression without versionId", sessionID)
		}
		if seenIDs[rec.VersionID] {
			return bad("session %q has duplicate versionId %q", sessionID, rec.VersionID)
		}
		seenIDs[rec.VersionID] = true

		pl := partLevel{part: rec.PartNumber, level: rec.CompressionLevel}
		if pl.part == 0 {
			pl.part = 1
		}
		if seenPL[pl] {
			return bad("session %q has two versions for part %d level %s",
				sessionID, pl.part, pl.level)
		}
		seenPL[pl] = true
	}
	return nil
}
