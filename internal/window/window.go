// Package window computes and partitions extraction time windows.
package window

import (
	"fmt"
	"time"
)

const (
	// landingDelay is how far behind wall-clock time a window may end.
	// Log ingestion pipelines lag; querying up to the literal current
	// instant would miss recently-landed rows that the watermark then
	// skips forever on the next run.
	landingDelay = 5 * time.Minute

	defaultLookbackDays = 1

	day = 24 * time.Hour
)

// Span is a half-open time interval [Start, End). A span with
// Start >= End is empty and splits into zero chunks.
type Span struct {
	Start time.Time
	End   time.Time
}

// ISO8601 renders the span in the start/end format the query API expects.
func (s Span) ISO8601() string {
	return s.Start.Format(time.RFC3339) + "/" + s.End.Format(time.RFC3339)
}

func (s Span) String() string {
	return fmt.Sprintf("%s to %s", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
}

// Calculate computes the extraction window for a run.
//
// End is always now minus the landing delay, in UTC. Start is picked by
// precedence: a non-zero watermark wins outright (incremental mode), then
// a non-zero staticStart (explicit backfill date), then lookbackDays
// counted back from the already-adjusted End, then a 1-day default.
//
// Calculate does not validate Start < End; Split treats an inverted span
// as empty.
func Calculate(now, watermark, staticStart time.Time, lookbackDays int) Span {
	end := now.UTC().Add(-landingDelay)

	var start time.Time
	switch {
	case !watermark.IsZero():
		start = watermark.UTC()
	case !staticStart.IsZero():
		start = staticStart.UTC()
	case lookbackDays > 0:
		start = end.Add(-time.Duration(lookbackDays) * day)
	default:
		start = end.Add(-defaultLookbackDays * day)
	}

	return Span{Start: start, End: end}
}

// Split partitions a span into ordered, contiguous chunks of at most
// chunkDays each. The upstream query API caps result size per call, so
// splitting bounds both the per-call row count and peak memory.
//
// An empty or inverted span yields nil. A non-positive chunkDays is a
// degenerate configuration and yields the whole span as a single chunk
// rather than looping or failing. Boundaries are computed by addition
// from Start, so adjacent chunks share an exact boundary instant with
// no gap and no overlap; the final chunk may be narrower.
func Split(span Span, chunkDays int) []Span {
	if !span.Start.Before(span.End) {
		return nil
	}
	if chunkDays <= 0 {
		return []Span{span}
	}

	width := time.Duration(chunkDays) * day

	var chunks []Span
	for cursor := span.Start; cursor.Before(span.End); {
		end := cursor.Add(width)
		if end.After(span.End) {
			end = span.End
		}
		chunks = append(chunks, Span{Start: cursor, End: end})
		cursor = end
	}
	return chunks
}
