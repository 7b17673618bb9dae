package events

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("k")
	b := bus.Subscribe("k")
	other := bus.Subscribe("other")

	bus.Publish(Completion{DedupeKey: "k", Path: "/x", BytesWritten: 7})

	for _, ch := range []chan Completion{a, b} {
		select {
		case ev := <-ch:
			require.Equal(t, "/x", ev.Path)
			require.EqualValues(t, 7, ev.BytesWritten)
		default:
			t.Fatal("subscriber missed event")
		}
	}
	select {
	case <-other:
		t.Fatal("unrelated key received event")
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("k")
	bus.Unsubscribe("k", ch)
	bus.Unsubscribe("k", ch)

	bus.Publish(Completion{DedupeKey: "k"})
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received event")
	default:
	}
}

func TestPublishBeyondBufferLosesNothing(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("k")
	defer bus.Unsubscribe("k", ch)

	total := subscriberBuffer + 8
	for i := 0; i < total; i++ {
		bus.Publish(Completion{DedupeKey: "k", BytesWritten: int64(i)})
	}

	seen := make(map[int64]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < total {
		select {
		case ev := <-ch:
			seen[ev.BytesWritten] = true
		case <-deadline:
			t.Fatalf("received %d of %d events", len(seen), total)
		}
	}
}

func TestUnsubscribeReleasesOverflowedPublishes(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("k")

	// Fill the buffer and push past it without draining.
	for i := 0; i < subscriberBuffer+4; i++ {
		bus.Publish(Completion{DedupeKey: "k"})
	}
	bus.Unsubscribe("k", ch)

	// Publishing after unsubscription must not block or deliver.
	done := make(chan struct{})
	go func() {
		bus.Publish(Completion{DedupeKey: "k"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after unsubscribe")
	}
}

func TestWaitStableRequiresPositiveSteadySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.flac")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m := NewMonitor(NewBus(), testLogger(), 10*time.Millisecond, 40*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Zero-byte file never satisfies stability.
	require.Error(t, m.WaitStable(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("audio bytes"), 0o644))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, m.WaitStable(ctx2, path))
}

func TestWaitStableResetsOnDisappearance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.mp3")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	m := NewMonitor(NewBus(), testLogger(), 10*time.Millisecond, 30*time.Millisecond)

	go func() {
		time.Sleep(15 * time.Millisecond)
		os.Remove(path)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.Error(t, m.WaitStable(ctx, path))
}

func TestAwaitPrefersExpectedPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artist-track.flac")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	m := NewMonitor(NewBus(), testLogger(), 10*time.Millisecond, 30*time.Millisecond)
	sub := m.bus.Subscribe("k")
	defer m.bus.Unsubscribe("k", sub)

	got, err := m.Await(context.Background(), sub, "k", path, dir, "artist", "track")
	require.NoError(t, err)
	require.Equal(t, path, got)
}

func TestAwaitFallsBackToScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Some Artist - Some Track.flac")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	m := NewMonitor(NewBus(), testLogger(), 10*time.Millisecond, 30*time.Millisecond)
	sub := m.bus.Subscribe("nomatch")
	defer m.bus.Unsubscribe("nomatch", sub)

	got, err := m.Await(context.Background(), sub, "nomatch", "", dir, "some artist", "some track")
	require.NoError(t, err)
	require.Equal(t, path, got)
}

func TestAwaitUsesBusEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unrelated-name.ogg")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	bus := NewBus()
	m := NewMonitor(bus, testLogger(), 10*time.Millisecond, 30*time.Millisecond)
	sub := bus.Subscribe("key123")
	defer bus.Unsubscribe("key123", sub)

	go func() {
		time.Sleep(5 * time.Millisecond)
		m.PublishCompleted("key123", path, 7)
	}()

	got, err := m.Await(context.Background(), sub, "key123", "", t.TempDir(), "a", "b")
	require.NoError(t, err)
	require.Equal(t, path, got)
}
