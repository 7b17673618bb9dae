// Package dedupe serializes work per dedupe key, renders destination paths
// from the configured template and remembers completed downloads in a
// persistent index.
package dedupe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"harmony/internal/filesystem"
)

const indexFile = "dedupe_index.json"

// Manager owns the per-key locks, the move template and the dedupe index.
type Manager struct {
	stateDir string
	musicDir string
	template string
	log      *slog.Logger

	locksMu  sync.Mutex
	keyLocks map[string]*sync.Mutex

	indexMu sync.Mutex
	index   map[string]string
}

// NewManager validates the template and loads the index. Unknown template
// placeholders are a fatal configuration error.
func NewManager(stateDir, musicDir, template string, log *slog.Logger) (*Manager, error) {
	if err := validateTemplate(template); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "locks"), 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}

	m := &Manager{
		stateDir: stateDir,
		musicDir: musicDir,
		template: template,
		log:      log,
		keyLocks: make(map[string]*sync.Mutex),
		index:    make(map[string]string),
	}
	m.loadIndex()
	return m, nil
}

// Lock is a held per-key reservation: a process-local mutex plus an OS
// advisory file lock, released in reverse acquisition order.
type Lock struct {
	local *sync.Mutex
	file  *flock.Flock
	log   *slog.Logger
}

// AcquireLock blocks until the dedupe key is free, both within this process
// and across cooperating processes.
func (m *Manager) AcquireLock(ctx context.Context, dedupeKey string) (*Lock, error) {
	m.locksMu.Lock()
	local, ok := m.keyLocks[dedupeKey]
	if !ok {
		local = &sync.Mutex{}
		m.keyLocks[dedupeKey] = local
	}
	m.locksMu.Unlock()

	local.Lock()

	fl := flock.New(m.LockPath(dedupeKey))
	ok, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !ok {
		local.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("acquire file lock for %q: %w", dedupeKey, err)
	}

	return &Lock{local: local, file: fl, log: m.log}, nil
}

// Release drops the OS lock then the process-local one. Safe to call once.
func (l *Lock) Release() {
	if err := l.file.Unlock(); err != nil {
		l.log.Warn("file lock release failed", "path", l.file.Path(), "error", err)
	}
	l.local.Unlock()
}

// LockPath returns the advisory lock file for a dedupe key.
func (m *Manager) LockPath(dedupeKey string) string {
	return filepath.Join(m.stateDir, "locks", safeFilename(dedupeKey)+".lock")
}

// Lookup consults the index for a completed download.
func (m *Manager) Lookup(dedupeKey string) (string, bool) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	path, ok := m.index[dedupeKey]
	return path, ok
}

// Register records a completed download and persists the index atomically.
func (m *Manager) Register(dedupeKey, finalPath string) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	m.index[dedupeKey] = finalPath

	data, err := json.MarshalIndent(m.index, "", "  ")
	if err != nil {
		return err
	}
	return filesystem.WriteFileAtomic(filepath.Join(m.stateDir, indexFile), data, 0o644)
}

// loadIndex reads the persisted index, starting empty when the file is
// missing or corrupt.
func (m *Manager) loadIndex() {
	data, err := os.ReadFile(filepath.Join(m.stateDir, indexFile))
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &m.index); err != nil {
		m.log.Warn("dedupe index corrupt, starting over", "error", err)
		m.index = make(map[string]string)
	}
}

func safeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
