// Package emit serializes the connector's output: schema documents,
// records, and state bookmarks, one JSON message per line.
package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Sink receives a copy of every serialized message, e.g. for mirroring
// the stream to a message broker alongside stdout.
type Sink interface {
	Publish(data []byte) error
}

type Writer struct {
	out  io.Writer
	sink Sink
	now  func() time.Time
}

// NewWriter writes messages to out. sink may be nil.
func NewWriter(out io.Writer, sink Sink) *Writer {
	return &Writer{out: out, sink: sink, now: time.Now}
}

type schemaMessage struct {
	Type               string          `json:"type"`
	Stream             string          `json:"stream"`
	Schema             json.RawMessage `json:"schema"`
	KeyProperties      []string        `json:"key_properties"`
	BookmarkProperties []string        `json:"bookmark_properties,omitempty"`
}

type recordMessage struct {
	Type          string         `json:"type"`
	Stream        string         `json:"stream"`
	Record        map[string]any `json:"record"`
	TimeExtracted string         `json:"time_extracted"`
}

type stateMessage struct {
	Type  string     `json:"type"`
	Value stateValue `json:"value"`
}

type stateValue struct {
	Bookmarks map[string]Bookmark `json:"bookmarks"`
}

// Bookmark is the per-stream replication position carried by STATE
// messages.
type Bookmark struct {
	ReplicationKey      string `json:"replication_key,omitempty"`
	ReplicationKeyValue string `json:"replication_key_value,omitempty"`
}

// WriteSchema emits the schema document for a stream. It is written
// once per stream per run, before any of the stream's records.
func (w *Writer) WriteSchema(stream string, schema json.RawMessage, keyProperties []string, replicationKey string) error {
	if keyProperties == nil {
		keyProperties = []string{}
	}
	msg := schemaMessage{
		Type:          "SCHEMA",
		Stream:        stream,
		Schema:        schema,
		KeyProperties: keyProperties,
	}
	if replicationKey != "" {
		msg.BookmarkProperties = []string{replicationKey}
	}
	return w.write(msg)
}

func (w *Writer) WriteRecord(stream string, record map[string]any) error {
	return w.write(recordMessage{
		Type:          "RECORD",
		Stream:        stream,
		Record:        record,
		TimeExtracted: w.now().UTC().Format(time.RFC3339),
	})
}

func (w *Writer) WriteState(stream, replicationKey string, value time.Time) error {
	return w.write(stateMessage{
		Type: "STATE",
		Value: stateValue{
			Bookmarks: map[string]Bookmark{
				stream: {
					ReplicationKey:      replicationKey,
					ReplicationKeyValue: value.UTC().Format(time.RFC3339),
				},
			},
		},
	})
}

func (w *Writer) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if w.sink != nil {
		if err := w.sink.Publish(data); err != nil {
			return fmt.Errorf("publish message: %w", err)
		}
	}
	return nil
}
