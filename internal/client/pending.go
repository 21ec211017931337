package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// PendingRecord marks a task this tab started. Its presence after a reload
// proves the tab owns the chat's running task.
type PendingRecord struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// PendingStore keeps a tab's pending records, at most one per chat.
type PendingStore interface {
	Save(rec PendingRecord) error
	Load(chatID string) (PendingRecord, bool, error)
	Delete(chatID string) error
	List() ([]PendingRecord, error)
}

// MemoryPendingStore is a PendingStore that lives as long as the process.
type MemoryPendingStore struct {
	mu      sync.Mutex
	records map[string]PendingRecord
}

// NewMemoryPendingStore returns an empty in-memory store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{records: make(map[string]PendingRecord)}
}

func (m *MemoryPendingStore) Save(rec PendingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ChatID] = rec
	return nil
}

func (m *MemoryPendingStore) Load(chatID string) (PendingRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[chatID]
	return rec, ok, nil
}

func (m *MemoryPendingStore) Delete(chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, chatID)
	return nil
}

func (m *MemoryPendingStore) List() ([]PendingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedRecords(m.records), nil
}

// FilePendingStore keeps records in a JSON file so they survive a restart
// of the tab process. Writes replace the file atomically.
type FilePendingStore struct {
	path string
	mu   sync.Mutex
}

// NewFilePendingStore returns a store backed by path. The parent directory
// is created if needed; the file itself appears on first Save.
func NewFilePendingStore(path string) (*FilePendingStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create pending store dir: %w", err)
	}
	return &FilePendingStore{path: path}, nil
}

func (f *FilePendingStore) Save(rec PendingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.read()
	if err != nil {
		return err
	}
	records[rec.ChatID] = rec
	return f.write(records)
}

func (f *FilePendingStore) Load(chatID string) (PendingRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.read()
	if err != nil {
		return PendingRecord{}, false, err
	}
	rec, ok := records[chatID]
	return rec, ok, nil
}

func (f *FilePendingStore) Delete(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := records[chatID]; !ok {
		return nil
	}
	delete(records, chatID)
	return f.write(records)
}

func (f *FilePendingStore) List() ([]PendingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.read()
	if err != nil {
		return nil, err
	}
	return sortedRecords(records), nil
}

func (f *FilePendingStore) read() (map[string]PendingRecord, error) {
	records := make(map[string]PendingRecord)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending records: %w", err)
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse pending records: %w", err)
	}
	return records, nil
}

func (f *FilePendingStore) write(records map[string]PendingRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending records: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pending records: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace pending records: %w", err)
	}
	return nil
}

func sortedRecords(records map[string]PendingRecord) []PendingRecord {
	out := make([]PendingRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b PendingRecord) int { return strings.Compare(a.ChatID, b.ChatID) })
	return out
}
