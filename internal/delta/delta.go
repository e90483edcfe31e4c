// Package delta finds the messages a session has gained since its last
// compression, so that compression can run incrementally instead of
// re-summarizing the whole transcript.
package delta

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

// Delta describes the uncompressed tail of a session.
type Delta struct {
	HasDelta           bool
	DeltaCount         int
	Messages           []transcript.Message
	StartIndex         int // inclusive
	EndIndex           int // exclusive
	StartTimestamp     time.Time
	EndTimestamp       time.Time
	IsFirstPart        bool
	PreviousPartNumber int
}

// Detect compares the live transcript against the session's compression
// history and returns the uncovered tail. With no prior compressions the
// whole transcript is the delta (part 1).
//
// Indices are authoritative: the covered boundary is the largest endIndex
// across recorded ranges. Timestamps are a fallback for records migrated
// from schemas that never stored indices.
func Detect(t *transcript.Transcript, compressions []manifest.CompressionRecord) Delta {
	n := len(t.Messages)

	latest := latestCovered(compressions)
	if latest == nil {
		d := Delta{
			HasDelta:    n > 0,
			DeltaCount:  n,
			Messages:    t.Messages,
			StartIndex:  0,
			EndIndex:    n,
			IsFirstPart: true,
		}
		if n > 0 {
			d.StartTimestamp = t.Messages[0].Timestamp
			d.EndTimestamp = t.Messages[n-1].Timestamp
		}
		return d
	}

	start := coveredEnd(t, latest)
	if start > n {
		// The transcript shrank below what the manifest says was covered.
		// Treat as fully covered rather than inventing a negative delta.
		slog.Warn("transcript shorter than recorded coverage",
			"path", t.Path, "messages", n, "coveredEnd", start)
		start = n
	}

	d := Delta{
		HasDelta:           start < n,
		DeltaCount:         n - start,
		Messages:           t.Messages[start:],
		StartIndex:         start,
		EndIndex:           n,
		PreviousPartNumber: maxPart(compressions),
	}
	if d.HasDelta {
		d.StartTimestamp = t.Messages[start].Timestamp
		d.EndTimestamp = t.Messages[n-1].Timestamp
	}
	return d
}

// latestCovered picks the compression record that extends furthest into
// the session, by range endTimestamp. Records without a range (legacy
// whole-session compressions) cover everything known at their creation
// and are represented by a synthetic full range over the part count.
func latestCovered(recs []manifest.CompressionRecord) *manifest.CompressionRecord {
	var best *manifest.CompressionRecord
	for i := range recs {
		rec := &recs[i]
		if rec.MessageRange == nil && !rec.IsFullSession {
			continue
		}
		if best == nil {
			best = rec
			continue
		}
		if endStamp(rec).After(endStamp(best)) {
			best = rec
		}
	}
	return best
}

func endStamp(rec *manifest.CompressionRecord) time.Time {
	if rec.MessageRange != nil {
		return rec.MessageRange.EndTimestamp
	}
	return rec.CreatedAt
}

// coveredEnd maps the latest record onto an index in the live transcript.
func coveredEnd(t *transcript.Transcript, rec *manifest.CompressionRecord) int {
	if rec.MessageRange != nil {
		if rec.MessageRange.EndIndex > 0 {
			return rec.MessageRange.EndIndex
		}
		return indexAfter(t, rec.MessageRange.EndTimestamp)
	}
	// Legacy full-session record: everything up to its inputMessages count,
	// or if unknown, everything created before the record.
	if rec.InputMessages > 0 {
		return rec.InputMessages
	}
	return indexAfter(t, rec.CreatedAt)
}

// indexAfter returns the index of the first message strictly newer than
// ts, i.e. the exclusive end of the covered prefix.
func indexAfter(t *transcript.Transcript, ts time.Time) int {
	for i, msg := range t.Messages {
		if msg.Timestamp.After(ts) {
			return i
		}
	}
	return len(t.Messages)
}

func maxPart(recs []manifest.CompressionRecord) int {
	max := 0
	for _, rec := range recs {
		if rec.PartNumber > max {
			max = rec.PartNumber
		}
	}
	return max
}
