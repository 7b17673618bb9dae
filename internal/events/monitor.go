package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Monitor confirms download completion on disk. It combines bus events, an
// expected-path check and a downloads-dir scan, then requires the candidate's
// size to hold steady before accepting it.
type Monitor struct {
	bus          *Bus
	log          *slog.Logger
	pollInterval time.Duration
	stableFor    time.Duration
}

func NewMonitor(bus *Bus, log *slog.Logger, pollInterval, stableFor time.Duration) *Monitor {
	// Bounds on the configured values are enforced by config.Validate; here
	// we only guard against zero so the poll loop cannot spin.
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	if stableFor <= 0 {
		stableFor = time.Second
	}
	return &Monitor{bus: bus, log: log, pollInterval: pollInterval, stableFor: stableFor}
}

// PublishCompleted announces a finished file, used when the gateway already
// reported the local path and by the recovery scan.
func (m *Monitor) PublishCompleted(dedupeKey, path string, bytesWritten int64) {
	m.bus.Publish(Completion{DedupeKey: dedupeKey, Path: path, BytesWritten: bytesWritten})
}

// Await resolves the completed file for a dedupe key: the expected path when
// it exists, else the next bus event, else a scan of downloadsDir for names
// containing the key or both artist and title tokens. The winner is
// size-stabilized before being returned.
func (m *Monitor) Await(ctx context.Context, sub chan Completion, dedupeKey, expectedPath, downloadsDir, artist, title string) (string, error) {
	for {
		if expectedPath != "" {
			if ok, err := isRegularFile(expectedPath); err == nil && ok {
				if err := m.WaitStable(ctx, expectedPath); err != nil {
					return "", err
				}
				return expectedPath, nil
			}
		}

		select {
		case ev := <-sub:
			if ev.Path != "" {
				if ok, _ := isRegularFile(ev.Path); ok {
					if err := m.WaitStable(ctx, ev.Path); err != nil {
						return "", err
					}
					return ev.Path, nil
				}
			}
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.pollInterval):
			if candidate := m.scan(downloadsDir, dedupeKey, artist, title); candidate != "" {
				if err := m.WaitStable(ctx, candidate); err != nil {
					return "", err
				}
				return candidate, nil
			}
		}
	}
}

// scan looks through downloadsDir for a file whose lowercased name contains
// the dedupe key, or both the artist and title tokens.
func (m *Monitor) scan(downloadsDir, dedupeKey, artist, title string) string {
	entries, err := os.ReadDir(downloadsDir)
	if err != nil {
		return ""
	}
	key := strings.ToLower(dedupeKey)
	artist = strings.ToLower(artist)
	title = strings.ToLower(title)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.Contains(name, key) || (artist != "" && title != "" && strings.Contains(name, artist) && strings.Contains(name, title)) {
			return filepath.Join(downloadsDir, e.Name())
		}
	}
	return ""
}

// WaitStable blocks until the file's size has stayed identical and positive
// for the configured window. Shrinking to zero or disappearing resets the
// stability clock.
func (m *Monitor) WaitStable(ctx context.Context, path string) error {
	var lastSize int64 = -1
	var stableSince time.Time

	for {
		fi, err := os.Stat(path)
		switch {
		case err != nil || fi.Size() == 0:
			lastSize = -1
			stableSince = time.Time{}
		case fi.Size() == lastSize:
			if !stableSince.IsZero() && time.Since(stableSince) >= m.stableFor {
				return nil
			}
		default:
			lastSize = fi.Size()
			stableSince = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func isRegularFile(path string) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return fi.Mode().IsRegular(), nil
}
