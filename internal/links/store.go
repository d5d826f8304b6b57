// Package links persists the mapping from public link keys to Telegram file
// references, plus the optional public domain override.
package links

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// CurrentKey is the sentinel key used in single-slot mode.
const CurrentKey = "current"

// Mode selects how many links a deployment serves.
type Mode string

const (
	// ModeSingle serves one file at "/" under CurrentKey.
	ModeSingle Mode = "single"
	// ModeMulti serves files at "/{key}" under admin-chosen keys.
	ModeMulti Mode = "multi"
)

// ParseMode maps a config value to a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeSingle:
		return ModeSingle, nil
	case ModeMulti:
		return ModeMulti, nil
	default:
		return "", fmt.Errorf("unknown link mode %q", raw)
	}
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ValidKey reports whether key is a non-empty ASCII alphanumeric string.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Record is one stored link.
type Record struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
}

// UnmarshalJSON accepts both the object form and a bare file id string.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fileID string
	if err := json.Unmarshal(data, &fileID); err == nil {
		*r = Record{FileID: fileID}
		return nil
	}
	type plain Record
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

// Entry is a Record with its key, as returned by List.
type Entry struct {
	Key string
	Record
}

// Store is a JSON-file backed link table. Every call reads or rewrites the
// whole document.
type Store struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewStore returns a Store over the document at path.
func NewStore(fsys afero.Fs, path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		fs:     fsys,
		path:   path,
		logger: log.With(slog.String("component", "links"), slog.String("path", path)),
	}
}

// Get returns the record stored under key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.load()[key]
	if !ok || strings.TrimSpace(rec.FileID) == "" {
		return Record{}, false
	}
	return rec, true
}

// Put stores rec under key, replacing any previous record.
func (s *Store) Put(key string, rec Record) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("link key is required")
	}
	if strings.TrimSpace(rec.FileID) == "" {
		return errors.New("file id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.load()
	records[key] = rec
	if err := writeJSON(s.fs, s.path, records); err != nil {
		return fmt.Errorf("save links: %w", err)
	}
	return nil
}

// List returns all records sorted by key.
func (s *Store) List() []Entry {
	s.mu.RLock()
	records := s.load()
	s.mu.RUnlock()

	entries := make([]Entry, 0, len(records))
	for key, rec := range records {
		entries = append(entries, Entry{Key: key, Record: rec})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Verify reads the document strictly and returns the record count. A missing
// document counts as empty; a corrupt one is an error.
func (s *Store) Verify() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := map[string]Record{}
	if err := readJSON(s.fs, s.path, &records); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read links: %w", err)
	}
	return len(records), nil
}

// load reads the document. A missing or unreadable document yields an empty
// table so the conversation keeps working after a bad write.
func (s *Store) load() map[string]Record {
	records := map[string]Record{}
	if err := readJSON(s.fs, s.path, &records); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read links failed, treating as empty", slog.Any("error", err))
		}
		return map[string]Record{}
	}
	return records
}
