// Package extract drives chunked, watermark-aware extraction of query
// streams from a Log Analytics workspace.
package extract

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/meridianworks/logtap/internal/config"
	"github.com/meridianworks/logtap/internal/kusto"
	"github.com/meridianworks/logtap/internal/loganalytics"
	"github.com/meridianworks/logtap/internal/window"
)

const (
	defaultChunkDays = 1

	// probeWindow bounds the schema-inference sample query. An hour of
	// recent data is enough to see the column set without pulling a
	// meaningful row count.
	probeWindow = time.Hour
)

// Record is one extracted row, keyed by column name.
type Record map[string]any

// Querier executes a query over a bounded timespan.
type Querier interface {
	QueryWorkspace(ctx context.Context, workspaceID, query string, span window.Span) (*loganalytics.Response, error)
}

// WatermarkSource reads prior replication state for a stream.
type WatermarkSource interface {
	GetWatermark(ctx context.Context, stream string) (time.Time, bool, error)
}

// Stream extracts one configured query as a record stream.
type Stream struct {
	query       config.Query
	workspaceID string
	startDate   time.Time
	client      Querier
	marks       WatermarkSource
	logger      *slog.Logger
	now         func() time.Time

	schema *kusto.Schema // probe result, cached for the instance
}

func NewStream(q config.Query, cfg config.Config, client Querier, marks WatermarkSource, logger *slog.Logger) *Stream {
	return &Stream{
		query:       q,
		workspaceID: cfg.WorkspaceID,
		startDate:   cfg.StartDate,
		client:      client,
		marks:       marks,
		logger:      logger,
		now:         time.Now,
	}
}

// DiscoverStreams builds a stream per configured query. Entries missing
// a name or query text are skipped with a warning; one bad entry never
// aborts the run.
func DiscoverStreams(cfg config.Config, client Querier, marks WatermarkSource, logger *slog.Logger) []*Stream {
	var streams []*Stream
	for _, q := range cfg.Queries {
		if q.Name == "" || q.Query == "" {
			logger.Warn("skipping query with missing required fields", "name", q.Name)
			continue
		}
		if q.ChunkSizeDays != nil && *q.ChunkSizeDays <= 0 {
			// Known degenerate configuration: the whole window goes out
			// as one query, which may hit the upstream result cap.
			logger.Warn("non-positive chunk_size_days disables chunking",
				"stream", q.Name, "chunk_size_days", *q.ChunkSizeDays)
		}
		streams = append(streams, NewStream(q, cfg, client, marks, logger))
	}
	return streams
}

func (s *Stream) Name() string { return s.query.Name }

func (s *Stream) PrimaryKeys() []string { return s.query.PrimaryKeys }

func (s *Stream) ReplicationKey() string { return s.query.ReplicationKey }

// Schema infers the record schema from a bounded probe over the most
// recent hour, independent of the main extraction chunks. It never
// fails: a probe error or empty result logs a warning and produces an
// empty schema, to be retried on a later run once data exists. The
// result is cached for the stream instance.
func (s *Stream) Schema(ctx context.Context) kusto.Schema {
	if s.schema != nil {
		return *s.schema
	}
	schema := s.probe(ctx)
	s.schema = &schema
	return schema
}

func (s *Stream) probe(ctx context.Context) kusto.Schema {
	if strings.TrimSpace(s.query.Query) == "" {
		return kusto.Schema{}
	}

	end := s.now().UTC()
	span := window.Span{Start: end.Add(-probeWindow), End: end}

	resp, err := s.client.QueryWorkspace(ctx, s.workspaceID, s.query.Query, span)
	if err != nil {
		s.logger.Warn("schema probe failed", "stream", s.query.Name, "error", err)
		return kusto.Schema{}
	}
	if len(resp.Tables) == 0 {
		s.logger.Warn("schema probe returned no tables", "stream", s.query.Name)
		return kusto.Schema{}
	}

	// The first table determines the schema.
	table := resp.Tables[0]
	columns := make([]kusto.Column, len(table.Columns))
	for i, name := range table.Columns {
		columns[i] = kusto.Column{Name: name, Type: table.Types[i]}
	}
	return kusto.InferSchema(columns)
}

// Records returns a lazy, single-pass sequence of records for this
// stream's window. Chunks execute strictly in chronological order, and
// no chunk's query runs until the previous chunk's records have all
// been pulled, so at most one chunk's rows are in flight at a time.
//
// A partial upstream response logs a warning and still yields whatever
// rows arrived. A transport failure logs an error and surfaces it as
// the final element of the sequence; records yielded from earlier
// chunks remain valid, and the watermark will have advanced only over
// emitted records, so a retry resumes near the failure point. The
// driver itself never retries.
func (s *Stream) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if strings.TrimSpace(s.query.Query) == "" {
			s.logger.Error("no query configured for stream", "stream", s.query.Name)
			return
		}

		span := s.timespan(ctx)
		chunks := window.Split(span, s.chunkDays())

		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			s.logger.Info("querying chunk",
				"stream", s.query.Name,
				"start", chunk.Start.Format(time.RFC3339),
				"end", chunk.End.Format(time.RFC3339),
			)

			resp, err := s.client.QueryWorkspace(ctx, s.workspaceID, s.query.Query, chunk)
			if err != nil {
				s.logger.Error("query failed",
					"stream", s.query.Name,
					"start", chunk.Start.Format(time.RFC3339),
					"end", chunk.End.Format(time.RFC3339),
					"error", err,
				)
				yield(nil, fmt.Errorf("query %s chunk %s: %w", s.query.Name, chunk, err))
				return
			}

			if resp.Status == loganalytics.StatusPartial {
				s.logger.Warn("partial results for chunk",
					"stream", s.query.Name,
					"start", chunk.Start.Format(time.RFC3339),
					"end", chunk.End.Format(time.RFC3339),
				)
			}

			for _, table := range resp.Tables {
				for _, row := range table.Rows {
					rec := make(Record, len(table.Columns))
					for i, col := range table.Columns {
						if i < len(row) {
							rec[col] = row[i]
						}
					}
					if !yield(rec, nil) {
						return
					}
				}
			}
		}
	}
}

func (s *Stream) chunkDays() int {
	if s.query.ChunkSizeDays != nil {
		return *s.query.ChunkSizeDays
	}
	return defaultChunkDays
}

// timespan computes the extraction window. The watermark is read only
// when a replication key is configured; a state-store read failure is
// treated as absent state so a broken store degrades to a full window
// rather than killing the run.
func (s *Stream) timespan(ctx context.Context) window.Span {
	var watermark time.Time
	if s.query.ReplicationKey != "" {
		mark, ok, err := s.marks.GetWatermark(ctx, s.query.Name)
		switch {
		case err != nil:
			s.logger.Warn("failed to read watermark", "stream", s.query.Name, "error", err)
		case ok:
			watermark = mark
		}
	}
	return window.Calculate(s.now(), watermark, s.startDate, s.query.TimespanDays)
}
