// Package catalog keeps the durable record of fulfilled downloads.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/storage"
	"github.com/italolelis/steam_downloader/internal/telemetry"
)

// Entry is one catalog record, keyed by content id.
type Entry struct {
	ContentID  string     `json:"content_id"`
	Name       string     `json:"name"`
	Location   string     `json:"location"`
	SizeBytes  int64      `json:"size_bytes"`
	AddedAt    time.Time  `json:"added_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// HumanSize returns the entry size formatted for display.
func (e Entry) HumanSize() string {
	return humanize.Bytes(uint64(e.SizeBytes))
}

// Store is the catalog table, persisted write-through to a JSON document.
type Store struct {
	mu        sync.RWMutex
	path      string
	entries   map[string]Entry
	logger    *slog.Logger
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTelemetry records catalog mutations.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Store) { s.telemetry = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the catalog at path. A missing, unreadable or corrupt file
// yields an empty catalog; the condition is logged and never fails startup.
func Open(ctx context.Context, path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		entries: make(map[string]Entry),
		logger:  logctx.LoggerFromContext(ctx).With("catalog_path", path),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("no existing catalog found, starting empty")
		} else {
			s.logger.Error("failed to read catalog, starting empty",
				"err", &storage.PersistenceError{Operation: "load", Path: path, Err: err})
		}

		return s
	}

	var loaded map[string]Entry
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Error("catalog file is corrupt, starting empty",
			"err", &storage.PersistenceError{Operation: "decode", Path: path, Err: err})

		return s
	}

	for id, e := range loaded {
		e.ContentID = id
		s.entries[id] = e
	}

	s.logger.Info("loaded catalog", "entries", len(s.entries))

	return s
}

// Upsert adds or replaces the entry for contentID. The size is computed by
// walking location; a missing location counts as zero bytes.
func (s *Store) Upsert(contentID int, name, location string) (Entry, error) {
	id := strconv.Itoa(contentID)
	size := DirSize(location)

	entry := Entry{
		ContentID: id,
		Name:      name,
		Location:  location,
		SizeBytes: size,
		AddedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.entries[id]
	s.entries[id] = entry

	if err := s.persist(); err != nil {
		s.restore(id, prev, had)
		s.record("upsert", err)

		return Entry{}, err
	}

	s.record("upsert", nil)
	s.logger.Info("catalog entry updated",
		"content_id", id, "name", name, "location", location, "size", entry.HumanSize())

	return entry, nil
}

// Get returns the entry for contentID.
func (s *Store) Get(contentID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[contentID]

	return cloneEntry(e), ok
}

// List returns every entry ordered by numeric content id.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}

	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.Atoi(out[i].ContentID)
		b, errB := strconv.Atoi(out[j].ContentID)

		if errA != nil || errB != nil {
			return out[i].ContentID < out[j].ContentID
		}

		return a < b
	})

	return out
}

// TotalSize sums the size of every entry.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, e := range s.entries {
		total += e.SizeBytes
	}

	return total
}

// Remove deletes the entry for contentID. It reports false when no entry exists.
func (s *Store) Remove(contentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[contentID]
	if !ok {
		s.logger.Warn("attempted to remove non-existent catalog entry", "content_id", contentID)

		return false, nil
	}

	delete(s.entries, contentID)

	if err := s.persist(); err != nil {
		s.restore(contentID, prev, true)
		s.record("remove", err)

		return false, err
	}

	s.record("remove", nil)
	s.logger.Info("catalog entry removed", "content_id", contentID, "name", prev.Name)

	return true, nil
}

// TouchLastUsed stamps the entry's last-used time with now.
func (s *Store) TouchLastUsed(contentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[contentID]
	if !ok {
		return false, nil
	}

	now := s.now().UTC()
	next := prev
	next.LastUsedAt = &now
	s.entries[contentID] = next

	if err := s.persist(); err != nil {
		s.restore(contentID, prev, true)
		s.record("touch", err)

		return false, err
	}

	s.record("touch", nil)

	return true, nil
}

// persist writes the whole table. Callers hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.entries, "", "    ")
	if err != nil {
		return &storage.PersistenceError{Operation: "encode", Path: s.path, Err: err}
	}

	if err := storage.WriteFileAtomic(s.path, data, 0o644); err != nil {
		s.logger.Error("failed to save catalog, on-disk state unchanged", "err", err)

		return &storage.PersistenceError{Operation: "save", Path: s.path, Err: err}
	}

	return nil
}

func (s *Store) restore(id string, prev Entry, had bool) {
	if had {
		s.entries[id] = prev
	} else {
		delete(s.entries, id)
	}
}

func (s *Store) record(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	s.telemetry.RecordCatalogOperation(operation, status)
}

func cloneEntry(e Entry) Entry {
	if e.LastUsedAt != nil {
		t := *e.LastUsedAt
		e.LastUsedAt = &t
	}

	return e
}

// DirSize sums the sizes of regular files below root. Unreadable parts of
// the tree are skipped; a missing root is zero.
func DirSize(root string) int64 {
	var total int64

	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d == nil {
				return fs.SkipAll
			}

			if d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}

		return nil
	})

	return total
}
