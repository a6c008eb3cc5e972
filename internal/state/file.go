package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const DefaultFilePath = "~/.logtap/state.json"

type fileDocument struct {
	Version   int                    `json:"version"`
	UpdatedAt time.Time              `json:"updated_at"`
	Streams   map[string]streamState `json:"streams"`
}

type streamState struct {
	Watermark time.Time `json:"watermark"`
}

// FileStore keeps watermarks in a single JSON file. Writes go through
// a temp file rename so an interrupted run never leaves a torn state.
type FileStore struct {
	path string
	doc  fileDocument
}

// OpenFile loads the state file at path, creating a fresh document if
// none exists. A leading ~/ expands to the user home directory.
func OpenFile(path string) (*FileStore, error) {
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileStore{
				path: p,
				doc:  fileDocument{Version: 1, Streams: map[string]streamState{}},
			}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if doc.Streams == nil {
		doc.Streams = map[string]streamState{}
	}
	return &FileStore{path: p, doc: doc}, nil
}

func (s *FileStore) GetWatermark(_ context.Context, stream string) (time.Time, bool, error) {
	st, ok := s.doc.Streams[stream]
	if !ok || st.Watermark.IsZero() {
		return time.Time{}, false, nil
	}
	return st.Watermark, true, nil
}

func (s *FileStore) SetWatermark(_ context.Context, stream string, mark time.Time) error {
	s.doc.Streams[stream] = streamState{Watermark: mark.UTC()}
	return s.save()
}

func (s *FileStore) Close() {}

func (s *FileStore) save() error {
	s.doc.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
