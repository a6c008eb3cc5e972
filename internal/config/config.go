// Package config loads the connector configuration from a JSON document
// plus environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/meridianworks/logtap/internal/loganalytics"
	"github.com/meridianworks/logtap/internal/state"
)

// Query is one named extraction query. Immutable once loaded.
type Query struct {
	// Name uniquely identifies the stream.
	Name string `json:"name"`
	// Query is the Kusto query text, opaque to the connector.
	Query string `json:"query"`
	// PrimaryKeys names the fields forming record identity, used by
	// downstream consumers for deduplication.
	PrimaryKeys []string `json:"primary_keys,omitempty"`
	// ReplicationKey, when set, selects incremental extraction: its
	// maximum observed value becomes the watermark for the next run.
	ReplicationKey string `json:"replication_key,omitempty"`
	// TimespanDays is the lookback width used only when neither a
	// watermark nor a start_date exists.
	TimespanDays int `json:"timespan_days,omitempty"`
	// ChunkSizeDays caps the width of a single query sub-interval.
	// nil means the 1-day default; an explicit non-positive value is a
	// degenerate configuration that disables chunking.
	ChunkSizeDays *int `json:"chunk_size_days,omitempty"`
}

type Config struct {
	WorkspaceID string
	StartDate   time.Time
	Endpoint    string
	Queries     []Query

	LogLevel    string
	StatePath   string
	DatabaseURL string
	NatsURL     string
	NatsToken   string
	NatsSubject string
	Port        int
}

type fileDocument struct {
	WorkspaceID string  `json:"workspace_id"`
	StartDate   string  `json:"start_date,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Queries     []Query `json:"queries"`
}

// Load reads the config document at path and applies environment
// overrides. The workspace id and at least one query are required;
// per-query validation happens at stream discovery so one bad entry
// does not abort the run.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Config{
		WorkspaceID: envStr("LOGTAP_WORKSPACE_ID", doc.WorkspaceID),
		Endpoint:    envStr("LOGTAP_ENDPOINT", doc.Endpoint),
		Queries:     doc.Queries,
		LogLevel:    envStr("LOG_LEVEL", "info"),
		StatePath:   envStr("LOGTAP_STATE_PATH", state.DefaultFilePath),
		DatabaseURL: envStr("DATABASE_URL", ""),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		NatsSubject: envStr("LOGTAP_NATS_SUBJECT", ""),
		Port:        envInt("LOGTAP_PORT", 0),
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = loganalytics.DefaultEndpoint
	}

	if raw := envStr("LOGTAP_START_DATE", doc.StartDate); raw != "" {
		start, err := parseStartDate(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse start_date: %w", err)
		}
		cfg.StartDate = start
	}

	if cfg.WorkspaceID == "" {
		return Config{}, fmt.Errorf("workspace_id is required")
	}
	if len(cfg.Queries) == 0 {
		return Config{}, fmt.Errorf("at least one query is required")
	}

	return cfg, nil
}

// parseStartDate accepts RFC3339 timestamps or bare dates; inputs
// without a zone are taken as UTC.
func parseStartDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
