// Package sidecar persists per-item recovery records under the state
// directory so a crashed pipeline can be resumed after restart.
package sidecar

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"harmony/internal/filesystem"
)

// Sidecar statuses, in pipeline order.
const (
	StatusReserved    = "reserved"
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusMoved       = "moved"
)

// Record is the recovery-relevant state of one in-flight item.
type Record struct {
	BatchID      string `json:"batch_id"`
	ItemID       string `json:"item_id"`
	DedupeKey    string `json:"dedupe_key"`
	Attempt      int    `json:"attempt"`
	Status       string `json:"status"`
	SourcePath   string `json:"source_path,omitempty"`
	FinalPath    string `json:"final_path,omitempty"`
	DownloadID   string `json:"download_id,omitempty"`
	BytesWritten int64  `json:"bytes_written,omitempty"`
}

// Store reads and writes sidecar files under <stateDir>/sidecars.
type Store struct {
	dir string
	log *slog.Logger
}

func NewStore(stateDir string, log *slog.Logger) (*Store, error) {
	dir := filepath.Join(stateDir, "sidecars")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sidecar dir: %w", err)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) path(itemID string) string {
	return filepath.Join(s.dir, itemID+".json")
}

// Write persists the record atomically.
func (s *Store) Write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return filesystem.WriteFileAtomic(s.path(rec.ItemID), data, 0o644)
}

// Read loads a single record.
func (s *Store) Read(itemID string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(s.path(itemID))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse sidecar %s: %w", itemID, err)
	}
	return rec, nil
}

// Delete removes a record; missing files are fine.
func (s *Store) Delete(itemID string) error {
	err := os.Remove(s.path(itemID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// statusRank orders sidecar statuses by pipeline progress.
var statusRank = map[string]int{
	StatusReserved:    0,
	StatusDownloading: 1,
	StatusDownloaded:  2,
	StatusMoved:       3,
}

// FindByKey returns the most advanced sidecar recorded for the dedupe key,
// regardless of which item wrote it.
func (s *Store) FindByKey(dedupeKey string) (Record, bool) {
	recs, err := s.List()
	if err != nil {
		return Record{}, false
	}
	var best Record
	found := false
	for _, rec := range recs {
		if rec.DedupeKey != dedupeKey {
			continue
		}
		if !found || statusRank[rec.Status] > statusRank[best.Status] {
			best = rec
			found = true
		}
	}
	return best, found
}

// List returns every parseable sidecar, logging and skipping broken ones.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.Read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			s.log.Warn("skipping unreadable sidecar", "file", e.Name(), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
