package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianworks/logtap/internal/emit"
)

// StateStore is the persistence side of watermark handling. The driver
// only reads; the runner writes after records have been handed to the
// consumer.
type StateStore interface {
	WatermarkSource
	SetWatermark(ctx context.Context, stream string, mark time.Time) error
}

// StreamStatus is a point-in-time snapshot of one stream's progress,
// exposed through the status API.
type StreamStatus struct {
	State   string `json:"state"` // pending, running, complete, failed
	Records int64  `json:"records"`
}

// Runner syncs all discovered streams in order: schema first, then
// records, then state. Streams are independent; one stream's failure is
// logged and the run moves on to the next.
type Runner struct {
	streams []*Stream
	out     *emit.Writer
	marks   StateStore
	logger  *slog.Logger

	mu       sync.Mutex
	runID    string
	progress map[string]*StreamStatus
}

func NewRunner(streams []*Stream, out *emit.Writer, marks StateStore, logger *slog.Logger) *Runner {
	progress := make(map[string]*StreamStatus, len(streams))
	for _, s := range streams {
		progress[s.Name()] = &StreamStatus{State: "pending"}
	}
	return &Runner{
		streams:  streams,
		out:      out,
		marks:    marks,
		logger:   logger,
		progress: progress,
	}
}

// Status returns a snapshot of the current run for the status API.
func (r *Runner) Status() any {
	r.mu.Lock()
	defer r.mu.Unlock()

	streams := make(map[string]StreamStatus, len(r.progress))
	for name, st := range r.progress {
		streams[name] = *st
	}
	return map[string]any{
		"run_id":  r.runID,
		"streams": streams,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	runID := uuid.NewString()
	r.mu.Lock()
	r.runID = runID
	r.mu.Unlock()

	r.logger.Info("sync starting", "run_id", runID, "streams", len(r.streams))

	failed := 0
	for _, s := range r.streams {
		if err := r.runStream(ctx, s); err != nil {
			r.setState(s.Name(), "failed")
			if ctx.Err() != nil {
				r.logger.Info("sync interrupted", "run_id", runID, "stream", s.Name())
				return err
			}
			r.logger.Error("stream failed", "stream", s.Name(), "error", err)
			failed++
			continue
		}
		r.setState(s.Name(), "complete")
	}

	r.logger.Info("sync complete", "run_id", runID, "streams", len(r.streams), "failed", failed)

	if failed > 0 {
		return fmt.Errorf("%d of %d streams failed", failed, len(r.streams))
	}
	return nil
}

func (r *Runner) runStream(ctx context.Context, s *Stream) error {
	r.setState(s.Name(), "running")

	schema := s.Schema(ctx)
	if schema.Empty() {
		r.logger.Warn("schema undiscovered, emitting empty schema", "stream", s.Name())
	}
	doc, err := schema.Document()
	if err != nil {
		return fmt.Errorf("render schema: %w", err)
	}
	if err := r.out.WriteSchema(s.Name(), doc, s.PrimaryKeys(), s.ReplicationKey()); err != nil {
		return fmt.Errorf("emit schema: %w", err)
	}

	var (
		maxMark time.Time
		count   int64
		runErr  error
	)
	for rec, err := range s.Records(ctx) {
		if err != nil {
			runErr = err
			break
		}
		if err := r.out.WriteRecord(s.Name(), rec); err != nil {
			runErr = fmt.Errorf("emit record: %w", err)
			break
		}
		count++
		r.addRecord(s.Name())

		if key := s.ReplicationKey(); key != "" {
			if ts, ok := recordTime(rec[key]); ok && ts.After(maxMark) {
				maxMark = ts
			}
		}
	}

	// The watermark advances only over records already emitted, so a
	// failed or interrupted run resumes from its last durable position
	// instead of the original window start.
	if s.ReplicationKey() != "" && !maxMark.IsZero() {
		persistCtx := context.WithoutCancel(ctx)
		if err := r.marks.SetWatermark(persistCtx, s.Name(), maxMark); err != nil {
			if runErr == nil {
				runErr = fmt.Errorf("persist watermark: %w", err)
			} else {
				r.logger.Warn("failed to persist watermark", "stream", s.Name(), "error", err)
			}
		} else if err := r.out.WriteState(s.Name(), s.ReplicationKey(), maxMark); err != nil && runErr == nil {
			runErr = fmt.Errorf("emit state: %w", err)
		}
	}

	if runErr != nil {
		return runErr
	}

	r.logger.Info("stream complete", "stream", s.Name(), "records", count)
	return nil
}

func (r *Runner) setState(stream, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.progress[stream]; ok {
		st.State = state
	}
}

func (r *Runner) addRecord(stream string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.progress[stream]; ok {
		st.Records++
	}
}

// recordTime extracts a timestamp from a replication key value. Datetime
// columns arrive as RFC3339 strings on the wire.
func recordTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
