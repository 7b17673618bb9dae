package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harmony/internal/download"
)

func item(batch, id string) *download.Item {
	return &download.Item{BatchID: batch, ItemID: id}
}

func TestRoundRobinFIFOWithinBatch(t *testing.T) {
	rr := NewRoundRobin()
	rr.Put(item("a", "a1"))
	rr.Put(item("a", "a2"))
	rr.Put(item("a", "a3"))

	require.Equal(t, "a1", rr.Take().ItemID)
	require.Equal(t, "a2", rr.Take().ItemID)
	require.Equal(t, "a3", rr.Take().ItemID)
}

func TestRoundRobinInterleavesBatches(t *testing.T) {
	rr := NewRoundRobin()
	rr.Put(item("a", "a1"))
	rr.Put(item("a", "a2"))
	rr.Put(item("a", "a3"))
	rr.Put(item("b", "b1"))
	rr.Put(item("b", "b2"))
	rr.Put(item("b", "b3"))

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, rr.Take().ItemID)
	}
	require.Equal(t, []string{"a1", "b1", "a2", "b2", "a3", "b3"}, got)
}

func TestRoundRobinDropsEmptiedBatchFromRing(t *testing.T) {
	rr := NewRoundRobin()
	rr.Put(item("a", "a1"))
	rr.Put(item("b", "b1"))
	rr.Put(item("b", "b2"))

	require.Equal(t, "a1", rr.Take().ItemID)
	require.Equal(t, "b1", rr.Take().ItemID)
	require.Equal(t, "b2", rr.Take().ItemID)
	require.Equal(t, 0, rr.Len())
}

func TestTakeBlocksUntilPut(t *testing.T) {
	rr := NewRoundRobin()
	got := make(chan *download.Item, 1)
	go func() { got <- rr.Take() }()

	select {
	case <-got:
		t.Fatal("Take returned before Put")
	case <-time.After(20 * time.Millisecond):
	}

	rr.Put(item("a", "a1"))
	select {
	case it := <-got:
		require.Equal(t, "a1", it.ItemID)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake after Put")
	}
}

func TestStopDrainsThenReturnsNil(t *testing.T) {
	rr := NewRoundRobin()
	rr.Put(item("a", "a1"))
	rr.Stop()

	require.Equal(t, "a1", rr.Take().ItemID)
	require.Nil(t, rr.Take())
}

func TestStopWakesBlockedTakers(t *testing.T) {
	rr := NewRoundRobin()
	done := make(chan *download.Item, 2)
	go func() { done <- rr.Take() }()
	go func() { done <- rr.Take() }()

	time.Sleep(10 * time.Millisecond)
	rr.Stop()

	for i := 0; i < 2; i++ {
		select {
		case it := <-done:
			require.Nil(t, it)
		case <-time.After(time.Second):
			t.Fatal("blocked Take did not return after Stop")
		}
	}
}
