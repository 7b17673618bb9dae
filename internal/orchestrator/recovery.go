package orchestrator

import (
	"context"
	"log/slog"
	"os"

	"harmony/internal/dedupe"
	"harmony/internal/events"
	"harmony/internal/sidecar"
)

// Recovery scans leftover sidecar records on startup. It never re-runs
// pipeline stages itself: finished work is acknowledged by cleaning up the
// sidecar, and already-downloaded files are re-announced on the bus so the
// next submission of the same key detects them immediately.
type Recovery struct {
	sidecars *sidecar.Store
	dedupe   *dedupe.Manager
	monitor  *events.Monitor
	log      *slog.Logger
}

func NewRecovery(sc *sidecar.Store, dm *dedupe.Manager, monitor *events.Monitor, log *slog.Logger) *Recovery {
	return &Recovery{sidecars: sc, dedupe: dm, monitor: monitor, log: log}
}

// Run processes every readable sidecar, logging and skipping the ones it
// cannot handle.
func (r *Recovery) Run(ctx context.Context) error {
	recs, err := r.sidecars.List()
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.recover(ctx, rec)
	}
	return nil
}

func (r *Recovery) recover(ctx context.Context, rec sidecar.Record) {
	// The move finished, or the index already knows the key: the item made
	// it, only the cleanup was lost.
	if final := r.finalPathFor(rec); final != "" {
		r.log.Info("recovered completed item", "item", rec.ItemID, "key", rec.DedupeKey, "path", final)
		if err := r.sidecars.Delete(rec.ItemID); err != nil {
			r.log.Warn("sidecar cleanup failed during recovery", "item", rec.ItemID, "error", err)
		}
		return
	}

	// The download landed but was never picked up: re-announce it once it is
	// stable on disk.
	if rec.SourcePath != "" {
		if fi, err := os.Stat(rec.SourcePath); err == nil && fi.Mode().IsRegular() {
			if err := r.monitor.WaitStable(ctx, rec.SourcePath); err != nil {
				r.log.Warn("recovery stability wait failed", "item", rec.ItemID, "error", err)
				return
			}
			r.monitor.PublishCompleted(rec.DedupeKey, rec.SourcePath, rec.BytesWritten)
			r.log.Info("re-announced downloaded file", "item", rec.ItemID, "key", rec.DedupeKey, "path", rec.SourcePath)
			return
		}
	}

	// Nothing usable on disk. The sidecar stays so the next submission of
	// this key finds the attempt count and carries on.
	r.log.Info("sidecar kept for resubmission", "item", rec.ItemID, "key", rec.DedupeKey, "status", rec.Status)
}

// finalPathFor returns the finished file for a record if one exists on disk.
func (r *Recovery) finalPathFor(rec sidecar.Record) string {
	if rec.Status == sidecar.StatusMoved && rec.FinalPath != "" {
		if fi, err := os.Stat(rec.FinalPath); err == nil && fi.Mode().IsRegular() {
			return rec.FinalPath
		}
	}
	if path, ok := r.dedupe.Lookup(rec.DedupeKey); ok {
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path
		}
	}
	return ""
}
