package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Kawayip/church-sub001/pkg/downloads"
)

// BufferedDownload is a download waiting for confirmed delivery
type BufferedDownload struct {
	ID    string          `json:"id"`
	Event downloads.Event `json:"event"`
}

// StateStore persists the collector's session id and download buffer across
// restarts
type StateStore interface {
	LoadSessionID() (string, error)
	SaveSessionID(id string) error
	LoadDownloads() ([]BufferedDownload, error)
	SaveDownloads(buffer []BufferedDownload) error
}

// MemoryStore keeps state for the lifetime of the process
type MemoryStore struct {
	mu        sync.Mutex
	sessionID string
	buffer    []BufferedDownload
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadSessionID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID, nil
}

func (m *MemoryStore) SaveSessionID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = id
	return nil
}

func (m *MemoryStore) LoadDownloads() ([]BufferedDownload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BufferedDownload(nil), m.buffer...), nil
}

func (m *MemoryStore) SaveDownloads(buffer []BufferedDownload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append([]BufferedDownload(nil), buffer...)
	return nil
}

type fileState struct {
	SessionID string             `json:"sessionId"`
	Downloads []BufferedDownload `json:"downloads"`
}

// FileStore keeps state in a JSON file, replaced atomically on every save
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore uses the JSON file at path, creating it on first save
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) read() (fileState, error) {
	var state fileState
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to read collector state: %w", err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fileState{}, fmt.Errorf("failed to parse collector state %s: %w", f.path, err)
	}
	return state, nil
}

func (f *FileStore) write(state fileState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode collector state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".collector-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) LoadSessionID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.read()
	return state.SessionID, err
}

func (f *FileStore) SaveSessionID(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.read()
	if err != nil {
		return err
	}
	state.SessionID = id
	return f.write(state)
}

func (f *FileStore) LoadDownloads() ([]BufferedDownload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.read()
	return state.Downloads, err
}

func (f *FileStore) SaveDownloads(buffer []BufferedDownload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.read()
	if err != nil {
		return err
	}
	state.Downloads = buffer
	return f.write(state)
}
