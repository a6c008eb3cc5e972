package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/meridianworks/logtap/internal/config"
	"github.com/meridianworks/logtap/internal/emit"
	"github.com/meridianworks/logtap/internal/loganalytics"
	"github.com/meridianworks/logtap/internal/window"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeMessages(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("bad message %q: %v", line, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestRun_EmitsSchemaRecordsState(t *testing.T) {
	querier := &fakeQuerier{handler: func(span window.Span) (*loganalytics.Response, error) {
		return singleTable(
			[]string{"Id", "TimeGenerated"},
			[]string{"guid", "datetime"},
			[][]any{
				{"a-1", "2024-03-15T10:00:00Z"},
				{"a-2", "2024-03-15T11:30:00Z"},
			},
		), nil
	}}
	marks := &fakeMarks{}
	q := config.Query{
		Name: "signin_logs", Query: "SigninLogs",
		PrimaryKeys: []string{"Id"}, ReplicationKey: "TimeGenerated",
	}
	var logs bytes.Buffer
	s := testStream(t, q, querier, marks, &logs)

	var out bytes.Buffer
	r := NewRunner([]*Stream{s}, emit.NewWriter(&out, nil), marks, discard())

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := decodeMessages(t, &out)
	// Probe response and chunk response share the fake, so record rows
	// appear once per chunk; the window defaults to one 1-day chunk.
	if len(msgs) != 4 {
		t.Fatalf("expected SCHEMA+2 RECORDs+STATE, got %d messages", len(msgs))
	}
	if msgs[0]["type"] != "SCHEMA" {
		t.Errorf("first message = %v", msgs[0]["type"])
	}
	if msgs[1]["type"] != "RECORD" || msgs[2]["type"] != "RECORD" {
		t.Errorf("middle messages = %v, %v", msgs[1]["type"], msgs[2]["type"])
	}
	if msgs[3]["type"] != "STATE" {
		t.Errorf("last message = %v", msgs[3]["type"])
	}

	wantMark := time.Date(2024, 3, 15, 11, 30, 0, 0, time.UTC)
	got, ok := marks.marks["signin_logs"]
	if !ok || !got.Equal(wantMark) {
		t.Errorf("watermark = %v ok=%v, want %v", got, ok, wantMark)
	}
}

func TestRun_NoWatermarkWithoutReplicationKey(t *testing.T) {
	querier := &fakeQuerier{handler: func(window.Span) (*loganalytics.Response, error) {
		return singleTable([]string{"Computer"}, []string{"string"}, [][]any{{"vm-01"}}), nil
	}}
	marks := &fakeMarks{}
	var logs bytes.Buffer
	s := testStream(t, config.Query{Name: "heartbeat", Query: "Heartbeat"}, querier, marks, &logs)

	var out bytes.Buffer
	r := NewRunner([]*Stream{s}, emit.NewWriter(&out, nil), marks, discard())
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if marks.setCalls != 0 {
		t.Errorf("full-refresh stream must not write watermarks, got %d writes", marks.setCalls)
	}
	for _, msg := range decodeMessages(t, &out) {
		if msg["type"] == "STATE" {
			t.Error("full-refresh stream must not emit STATE")
		}
	}
}

func TestRun_ContinuesAfterStreamFailure(t *testing.T) {
	querier := &fakeQuerier{handler: func(window.Span) (*loganalytics.Response, error) {
		return nil, fmt.Errorf("boom")
	}}
	okQuerier := &fakeQuerier{handler: func(window.Span) (*loganalytics.Response, error) {
		return singleTable([]string{"Computer"}, []string{"string"}, [][]any{{"vm-01"}}), nil
	}}
	marks := &fakeMarks{}
	var logs bytes.Buffer
	bad := testStream(t, config.Query{Name: "bad", Query: "Bad"}, querier, marks, &logs)
	good := testStream(t, config.Query{Name: "good", Query: "Heartbeat"}, okQuerier, marks, &logs)

	var out bytes.Buffer
	r := NewRunner([]*Stream{bad, good}, emit.NewWriter(&out, nil), marks, discard())

	err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 2 streams failed") {
		t.Fatalf("expected aggregate failure, got %v", err)
	}

	var goodRecords int
	for _, msg := range decodeMessages(t, &out) {
		if msg["type"] == "RECORD" && msg["stream"] == "good" {
			goodRecords++
		}
	}
	if goodRecords != 1 {
		t.Errorf("expected the second stream to sync, got %d records", goodRecords)
	}
}

func TestRun_WatermarkAdvancesOverEmittedRecordsOnFailure(t *testing.T) {
	// Two chunks: the first returns a row, the second fails. The
	// watermark must still advance over the emitted row so a retry
	// resumes there instead of the window start.
	calls := 0
	querier := &fakeQuerier{handler: func(span window.Span) (*loganalytics.Response, error) {
		calls++
		if calls == 1 {
			// Schema probe.
			return singleTable([]string{"TimeGenerated"}, []string{"datetime"}, nil), nil
		}
		if calls == 2 {
			return singleTable([]string{"TimeGenerated"}, []string{"datetime"},
				[][]any{{"2024-03-14T06:00:00Z"}}), nil
		}
		return nil, fmt.Errorf("boom")
	}}
	marks := &fakeMarks{}
	var logs bytes.Buffer
	s := testStream(t, config.Query{
		Name: "signin_logs", Query: "SigninLogs",
		ReplicationKey: "TimeGenerated", TimespanDays: 2,
	}, querier, marks, &logs)

	var out bytes.Buffer
	r := NewRunner([]*Stream{s}, emit.NewWriter(&out, nil), marks, discard())

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected run to fail")
	}

	want := time.Date(2024, 3, 14, 6, 0, 0, 0, time.UTC)
	got, ok := marks.marks["signin_logs"]
	if !ok || !got.Equal(want) {
		t.Errorf("watermark = %v ok=%v, want %v", got, ok, want)
	}
}

func TestRun_StatusSnapshot(t *testing.T) {
	querier := &fakeQuerier{handler: func(window.Span) (*loganalytics.Response, error) {
		return singleTable([]string{"Computer"}, []string{"string"}, [][]any{{"vm-01"}}), nil
	}}
	marks := &fakeMarks{}
	var logs bytes.Buffer
	s := testStream(t, config.Query{Name: "heartbeat", Query: "Heartbeat"}, querier, marks, &logs)

	var out bytes.Buffer
	r := NewRunner([]*Stream{s}, emit.NewWriter(&out, nil), marks, discard())

	before, _ := r.Status().(map[string]any)
	streams, _ := before["streams"].(map[string]StreamStatus)
	if streams["heartbeat"].State != "pending" {
		t.Errorf("initial state = %q, want pending", streams["heartbeat"].State)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	after, _ := r.Status().(map[string]any)
	streams, _ = after["streams"].(map[string]StreamStatus)
	if streams["heartbeat"].State != "complete" {
		t.Errorf("final state = %q, want complete", streams["heartbeat"].State)
	}
	if streams["heartbeat"].Records != 1 {
		t.Errorf("records = %d, want 1", streams["heartbeat"].Records)
	}
	if after["run_id"] == "" {
		t.Error("expected a run id after Run")
	}
}
