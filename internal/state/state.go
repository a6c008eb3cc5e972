// Package state persists per-stream replication watermarks between runs.
package state

import (
	"context"
	"time"
)

// Store is a key-value store of per-stream watermarks. A watermark is
// the highest replication-key value observed across emitted records;
// it is read before a run to compute the window start and advanced only
// after records have been durably handed to the consumer.
type Store interface {
	// GetWatermark returns the stored watermark for a stream, or
	// ok=false when the stream has no prior state.
	GetWatermark(ctx context.Context, stream string) (mark time.Time, ok bool, err error)

	// SetWatermark stores the watermark for a stream.
	SetWatermark(ctx context.Context, stream string, mark time.Time) error

	Close()
}
