package sidecar

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()
	s, err := NewStore(dir, log)
	require.NoError(t, err)
	return s, dir
}

func TestWriteReadDelete(t *testing.T) {
	s, _ := newTestStore(t)

	rec := Record{
		BatchID:      "b1",
		ItemID:       "i1",
		DedupeKey:    "k1",
		Attempt:      2,
		Status:       StatusDownloading,
		DownloadID:   "d1",
		BytesWritten: 1024,
	}
	require.NoError(t, s.Write(rec))

	got, err := s.Read("i1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	require.NoError(t, s.Delete("i1"))
	_, err = s.Read("i1")
	require.True(t, os.IsNotExist(err))

	// Deleting again is fine.
	require.NoError(t, s.Delete("i1"))
}

func TestWriteOverwritesPriorState(t *testing.T) {
	s, _ := newTestStore(t)

	rec := Record{ItemID: "i1", DedupeKey: "k1", Status: StatusReserved}
	require.NoError(t, s.Write(rec))
	rec.Status = StatusDownloaded
	rec.SourcePath = "/downloads/x.flac"
	require.NoError(t, s.Write(rec))

	got, err := s.Read("i1")
	require.NoError(t, err)
	require.Equal(t, StatusDownloaded, got.Status)
	require.Equal(t, "/downloads/x.flac", got.SourcePath)
}

func TestFindByKeyPrefersMostAdvancedRecord(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Write(Record{ItemID: "new", DedupeKey: "k", Status: StatusReserved}))
	require.NoError(t, s.Write(Record{ItemID: "old", DedupeKey: "k", Status: StatusDownloaded, SourcePath: "/downloads/x.flac"}))
	require.NoError(t, s.Write(Record{ItemID: "other", DedupeKey: "different", Status: StatusMoved}))

	rec, ok := s.FindByKey("k")
	require.True(t, ok)
	require.Equal(t, "old", rec.ItemID)
	require.Equal(t, StatusDownloaded, rec.Status)

	_, ok = s.FindByKey("absent")
	require.False(t, ok)
}

func TestListSkipsUnparseableFiles(t *testing.T) {
	s, dir := newTestStore(t)

	require.NoError(t, s.Write(Record{ItemID: "good1", Status: StatusReserved}))
	require.NoError(t, s.Write(Record{ItemID: "good2", Status: StatusMoved}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sidecars", "broken.json"), []byte("{nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sidecars", "ignored.txt"), []byte("x"), 0o644))

	recs, err := s.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	ids := map[string]bool{}
	for _, r := range recs {
		ids[r.ItemID] = true
	}
	require.True(t, ids["good1"])
	require.True(t, ids["good2"])
}
