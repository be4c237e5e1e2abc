package readv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalesceAdjacent(t *testing.T) {
	ranges := Coalesce([]Request{{0, 10}, {10, 10}, {20, 10}}, 0, 0, 0)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(0), ranges[0].Start)
	assert.Equal(t, uint64(30), ranges[0].Length)
	assert.Len(t, ranges[0].Subranges, 3)
}

func TestCoalesceGapBeyondFudge(t *testing.T) {
	ranges := Coalesce([]Request{{0, 10}, {25, 10}}, 0, 10, 0)
	require.Len(t, ranges, 2)
	assert.Equal(t, uint64(0), ranges[0].Start)
	assert.Equal(t, uint64(25), ranges[1].Start)
}

func TestCoalesceGapWithinFudge(t *testing.T) {
	// Gap of 10 bytes, fudge of 10: still one range, covering the gap.
	ranges := Coalesce([]Request{{0, 10}, {20, 10}}, 0, 10, 0)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(0), ranges[0].Start)
	assert.Equal(t, uint64(30), ranges[0].Length)
}

func TestCoalesceUnsortedInput(t *testing.T) {
	offsets := []Request{{20, 10}, {0, 10}, {10, 10}}
	ranges := Coalesce(offsets, 0, 0, 0)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(0), ranges[0].Start)

	// The caller's slice must be left in its original order.
	assert.Equal(t, uint64(20), offsets[0].Start)
}

func TestCoalesceCombineLimit(t *testing.T) {
	ranges := Coalesce([]Request{{0, 1}, {1, 1}, {2, 1}, {3, 1}}, 2, 0, 0)
	require.Len(t, ranges, 2)
	assert.Len(t, ranges[0].Subranges, 2)
	assert.Len(t, ranges[1].Subranges, 2)
}

func TestCoalesceMaxSize(t *testing.T) {
	ranges := Coalesce([]Request{{0, 30}, {30, 30}}, 0, 0, 40)
	require.Len(t, ranges, 2)
}

func TestCoalesceSubrangesRelative(t *testing.T) {
	ranges := Coalesce([]Request{{100, 10}, {115, 5}}, 0, 10, 0)
	require.Len(t, ranges, 1)
	require.Len(t, ranges[0].Subranges, 2)
	assert.Equal(t, uint64(0), ranges[0].Subranges[0].Offset)
	assert.Equal(t, uint64(15), ranges[0].Subranges[1].Offset)
}

func TestCoalesceDuplicateRequests(t *testing.T) {
	// The same request twice stays as two subranges, one per occurrence.
	ranges := Coalesce([]Request{{5, 5}, {5, 5}}, 0, 0, 0)
	require.Len(t, ranges, 1)
	assert.Len(t, ranges[0].Subranges, 2)
}

func TestCoalesceOverlapContained(t *testing.T) {
	// A request fully inside another becomes a subrange of the covering
	// range without growing it.
	ranges := Coalesce([]Request{{0, 30}, {5, 5}}, 0, 0, 0)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(30), ranges[0].Length)
	assert.Len(t, ranges[0].Subranges, 2)
}

func TestCoalesceOverlapPastCombineLimit(t *testing.T) {
	// The third request starts inside the current range's span, so it must
	// merge even though the combine limit is already reached. Two ranges
	// covering the same offsets would be indistinguishable on the wire.
	ranges := Coalesce([]Request{{0, 10}, {5, 5}, {7, 10}}, 2, 0, 0)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(0), ranges[0].Start)
	assert.Equal(t, uint64(17), ranges[0].Length)
	assert.Len(t, ranges[0].Subranges, 3)
}

func TestCoalesceSpansStayDisjoint(t *testing.T) {
	ranges := Coalesce([]Request{{0, 10}, {5, 5}, {7, 10}, {30, 5}, {32, 5}}, 2, 0, 0)
	for i := 1; i < len(ranges); i++ {
		assert.GreaterOrEqual(t, ranges[i].Start, ranges[i-1].End())
	}
}

func TestCoalesceEmpty(t *testing.T) {
	assert.Nil(t, Coalesce(nil, 0, 10, 0))
}

func TestSplitChunks(t *testing.T) {
	ranges := []CoalescedRange{{Start: 0, Length: 100}}
	chunks := SplitChunks(ranges, 32)
	require.Len(t, chunks, 4)
	assert.Equal(t, Chunk{Start: 0, Length: 32}, chunks[0])
	assert.Equal(t, Chunk{Start: 96, Length: 4}, chunks[3])
}

func TestSplitChunksNoCap(t *testing.T) {
	ranges := []CoalescedRange{{Start: 10, Length: 100}}
	chunks := SplitChunks(ranges, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, Chunk{Start: 10, Length: 100}, chunks[0])
}

func TestBatch(t *testing.T) {
	chunks := []Chunk{{0, 40}, {40, 40}, {80, 40}}
	batches := Batch(chunks, 80)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
}

func TestBatchZeroBudgetOnePerTrip(t *testing.T) {
	batches := Batch([]Chunk{{0, 1}, {1, 1}}, 0)
	require.Len(t, batches, 2)
}

func TestBatchOversizedChunkTravelsAlone(t *testing.T) {
	batches := Batch([]Chunk{{0, 200}, {200, 10}}, 100)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 1)
}
