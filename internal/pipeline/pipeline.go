// Package pipeline drives a single item through its stages: dedupe fast
// path, gateway stream, on-disk completion detection, tagging and the final
// move into the library.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"harmony/internal/dedupe"
	"harmony/internal/download"
	"harmony/internal/events"
	"harmony/internal/filesystem"
	"harmony/internal/gateway"
	"harmony/internal/sidecar"
	"harmony/internal/tagging"
)

// Runner executes one processing attempt for an item. The worker owns the
// retry loop; Execute reports retryability through the error taxonomy.
type Runner interface {
	Execute(ctx context.Context, item download.Item, attempt int) (*download.Outcome, error)
}

// Pipeline wires the stage dependencies together.
type Pipeline struct {
	gateway      gateway.Client
	bus          *events.Bus
	monitor      *events.Monitor
	dedupe       *dedupe.Manager
	sidecars     *sidecar.Store
	tagger       tagging.Tagger
	downloadsDir string
	streamPoll   time.Duration
	log          *slog.Logger
}

func New(gw gateway.Client, bus *events.Bus, monitor *events.Monitor, dm *dedupe.Manager, sc *sidecar.Store, tagger tagging.Tagger, downloadsDir string, streamPoll time.Duration, log *slog.Logger) *Pipeline {
	return &Pipeline{
		gateway:      gw,
		bus:          bus,
		monitor:      monitor,
		dedupe:       dm,
		sidecars:     sc,
		tagger:       tagger,
		downloadsDir: downloadsDir,
		streamPoll:   streamPoll,
		log:          log,
	}
}

// Execute runs one attempt under the item's dedupe lock. On a retryable
// failure the sidecar record is left behind so the next attempt, or a
// restart, can pick up where this one stopped.
func (p *Pipeline) Execute(ctx context.Context, item download.Item, attempt int) (*download.Outcome, error) {
	start := time.Now()

	lock, err := p.dedupe.AcquireLock(ctx, item.DedupeKey)
	if err != nil {
		return nil, &download.PipelineError{Stage: "lock", Retryable: true, Err: err}
	}
	defer lock.Release()

	// Fast path: the index already points at a finished file.
	if existing, ok := p.dedupe.Lookup(item.DedupeKey); ok {
		if fi, err := os.Stat(existing); err == nil && fi.Mode().IsRegular() {
			p.log.Info("dedupe fast path", "item", item.ItemID, "key", item.DedupeKey, "path", existing)
			return &download.Outcome{
				FinalPath:       existing,
				DurationSeconds: time.Since(start).Seconds(),
				Events: []download.ItemEvent{
					download.NewEvent(download.EventDedupeSkip, map[string]string{"path": existing}),
				},
			}, nil
		}
	}

	rec := sidecar.Record{
		BatchID:   item.BatchID,
		ItemID:    item.ItemID,
		DedupeKey: item.DedupeKey,
		Attempt:   attempt,
		Status:    sidecar.StatusReserved,
	}
	p.writeSidecar(rec)

	// Subscribe before following the stream so a completion published while
	// we are still reading status events is not lost.
	sub := p.bus.Subscribe(item.DedupeKey)
	defer p.bus.Unsubscribe(item.DedupeKey, sub)

	var evs []download.ItemEvent
	var sourcePath string
	var streamBytes int64
	var staleItemID string

	// A previous run may have finished the download before crashing. When its
	// sidecar still points at a file on disk, resume from there instead of
	// driving the transfer again.
	if prev, ok := p.sidecars.FindByKey(item.DedupeKey); ok && prev.Status == sidecar.StatusDownloaded && regularFileExists(prev.SourcePath) {
		p.log.Info("resuming from recovered download", "item", item.ItemID, "key", item.DedupeKey, "path", prev.SourcePath)
		evs = append(evs, download.NewEvent(download.EventCompleted, map[string]string{"path": prev.SourcePath}))
		sourcePath = prev.SourcePath
		streamBytes = prev.BytesWritten
		if prev.ItemID != item.ItemID {
			staleItemID = prev.ItemID
		}
		rec.Status = sidecar.StatusDownloaded
		rec.SourcePath = prev.SourcePath
		rec.BytesWritten = prev.BytesWritten
		p.writeSidecar(rec)
	} else {
		var err error
		evs, sourcePath, streamBytes, err = p.followStream(ctx, item, &rec)
		if err != nil {
			return nil, err
		}
	}

	detected, err := p.monitor.Await(ctx, sub, item.DedupeKey, sourcePath, p.downloadsDir, item.Artist, item.Title)
	if err != nil {
		return nil, &download.PipelineError{Stage: "detect", Retryable: true, Err: err}
	}
	evs = append(evs, download.NewEvent(download.EventDetected, map[string]string{"path": detected}))

	tagRes, err := p.tagger.ApplyTags(detected, item)
	if err != nil {
		return nil, &download.PipelineError{Stage: "tag", Err: err}
	}
	if tagRes.Applied {
		evs = append(evs, download.NewEvent(download.EventTaggingComplete, nil))
	} else {
		evs = append(evs, download.NewEvent(download.EventTaggingSkipped, nil))
	}

	finalPath, err := p.dedupe.RenderDestination(item, detected)
	if err != nil {
		return nil, &download.PipelineError{Stage: "move", Err: err}
	}
	if err := filesystem.MoveFile(detected, finalPath, p.log); err != nil {
		return nil, &download.PipelineError{Stage: "move", Err: err}
	}

	bytes := streamBytes
	if bytes == 0 {
		if fi, err := os.Stat(finalPath); err == nil {
			bytes = fi.Size()
		}
	}
	evs = append(evs, download.NewEvent(download.EventFileMoved, map[string]string{
		"from": detected,
		"to":   finalPath,
	}))

	// Index and sidecar cleanup are best-effort: the idempotency store is
	// the durable record of completion.
	if err := p.dedupe.Register(item.DedupeKey, finalPath); err != nil {
		p.log.Warn("dedupe index write failed", "item", item.ItemID, "error", err)
	}
	rec.Status = sidecar.StatusMoved
	rec.FinalPath = finalPath
	rec.BytesWritten = bytes
	p.writeSidecar(rec)
	if err := p.sidecars.Delete(item.ItemID); err != nil {
		p.log.Warn("sidecar cleanup failed", "item", item.ItemID, "error", err)
	}
	if staleItemID != "" {
		if err := p.sidecars.Delete(staleItemID); err != nil {
			p.log.Warn("stale sidecar cleanup failed", "item", staleItemID, "error", err)
		}
	}

	return &download.Outcome{
		FinalPath:       finalPath,
		TagsWritten:     tagRes.Applied,
		BytesWritten:    bytes,
		DurationSeconds: time.Since(start).Seconds(),
		Quality:         tagRes.Quality(),
		Events:          evs,
	}, nil
}

// followStream consumes gateway status events until the transfer completes.
// It returns the recorded events, the source path the gateway reported (may
// be empty) and the byte count, if any.
func (p *Pipeline) followStream(ctx context.Context, item download.Item, rec *sidecar.Record) ([]download.ItemEvent, string, int64, error) {
	stream, err := p.gateway.StreamDownloadEvents(ctx, item.DedupeKey, p.streamPoll)
	if err != nil {
		return nil, "", 0, classifyStreamErr("open stream", err)
	}
	defer stream.Close()

	var evs []download.ItemEvent
	inProgressSeen := false

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, "", 0, &download.FatalError{Msg: "gateway stream terminated before completion"}
			}
			return nil, "", 0, classifyStreamErr("stream", err)
		}

		switch ev.Status {
		case gateway.StatusAccepted:
			evs = append(evs, download.NewEvent(download.EventAccepted, map[string]string{"download_id": ev.DownloadID}))
			rec.DownloadID = ev.DownloadID
			rec.Status = sidecar.StatusDownloading
			p.writeSidecar(*rec)

		case gateway.StatusInProgress:
			if !inProgressSeen {
				evs = append(evs, download.NewEvent(download.EventInProgress, nil))
				inProgressSeen = true
			}

		case gateway.StatusCompleted:
			evs = append(evs, download.NewEvent(download.EventCompleted, map[string]string{"path": ev.Path}))
			rec.Status = sidecar.StatusDownloaded
			rec.SourcePath = ev.Path
			rec.BytesWritten = ev.BytesWritten
			p.writeSidecar(*rec)
			if ev.Path != "" {
				p.monitor.PublishCompleted(item.DedupeKey, ev.Path, ev.BytesWritten)
			}
			return evs, ev.Path, ev.BytesWritten, nil

		case gateway.StatusFailed:
			if ev.Retryable {
				return nil, "", 0, &download.RetryableError{
					Msg:        fmt.Sprintf("transfer %s failed", ev.DownloadID),
					RetryAfter: ev.RetryAfter(),
				}
			}
			return nil, "", 0, &download.FatalError{Msg: fmt.Sprintf("transfer %s failed permanently", ev.DownloadID)}

		default:
			p.log.Debug("ignoring unknown transfer status", "item", item.ItemID, "status", ev.Status)
		}
	}
}

// classifyStreamErr maps transport errors onto the retry taxonomy using the
// gateway's own retryability rules.
func classifyStreamErr(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var re *gateway.RequestError
	if errors.As(err, &re) {
		if re.Retryable() {
			return &download.RetryableError{Msg: stage, Err: err}
		}
		return &download.FatalError{Msg: stage, Err: err}
	}
	return &download.PipelineError{Stage: stage, Retryable: true, Err: err}
}

func regularFileExists(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func (p *Pipeline) writeSidecar(rec sidecar.Record) {
	if err := p.sidecars.Write(rec); err != nil {
		p.log.Warn("sidecar write failed", "item", rec.ItemID, "error", err)
	}
}
