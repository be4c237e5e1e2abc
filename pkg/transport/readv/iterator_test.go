package readv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// sliceFetch serves chunks out of an in-memory file, counting round trips.
func sliceFetch(file []byte, trips *int) FetchFunc {
	return func(batch []Chunk) ([][]byte, error) {
		if trips != nil {
			*trips++
		}
		out := make([][]byte, len(batch))
		for i, c := range batch {
			end := c.Start + c.Length
			if end > uint64(len(file)) {
				end = uint64(len(file))
			}
			if c.Start > uint64(len(file)) {
				out[i] = nil
				continue
			}
			out[i] = file[c.Start:end]
		}
		return out, nil
	}
}

func testFile() []byte {
	// 36 bytes: offsets 0..9 are '0'..'9', 10.. are 'A'..'Z'.
	return []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")
}

func TestIteratorCoalescedScenario(t *testing.T) {
	// Requests at 0, 20, and 5 with a fudge factor of 10 collapse into a
	// single wire read of [0, 30), and results come back in request order.
	file := testFile()
	trips := 0
	offsets := []Request{{0, 10}, {20, 10}, {5, 5}}
	it := NewIterator("blob", offsets, Params{FudgeFactor: 10}, sliceFetch(file, &trips))

	results, err := it.Collect()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, Result{Offset: 0, Data: []byte("0123456789")}, results[0])
	assert.Equal(t, Result{Offset: 20, Data: []byte("KLMNOPQRST")}, results[1])
	assert.Equal(t, Result{Offset: 5, Data: []byte("56789")}, results[2])
	assert.Equal(t, 1, trips)
}

func TestIteratorEmptyRequestsNoFetch(t *testing.T) {
	trips := 0
	it := NewIterator("blob", nil, Params{}, sliceFetch(testFile(), &trips))

	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
	assert.Equal(t, 0, trips)
}

func TestIteratorLazyPerBatch(t *testing.T) {
	// Two far-apart requests with no batching budget: the second round trip
	// must not happen before the first result is consumed.
	trips := 0
	offsets := []Request{{0, 5}, {30, 5}}
	it := NewIterator("blob", offsets, Params{}, sliceFetch(testFile(), &trips))

	require.True(t, it.Next())
	assert.Equal(t, uint64(0), it.Result().Offset)
	assert.Equal(t, 1, trips)

	require.True(t, it.Next())
	assert.Equal(t, uint64(30), it.Result().Offset)
	assert.Equal(t, 2, trips)

	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestIteratorDuplicatesYieldedPerOccurrence(t *testing.T) {
	offsets := []Request{{5, 5}, {0, 5}, {5, 5}}
	it := NewIterator("blob", offsets, Params{FudgeFactor: 10}, sliceFetch(testFile(), nil))

	results, err := it.Collect()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []byte("56789"), results[0].Data)
	assert.Equal(t, []byte("01234"), results[1].Data)
	assert.Equal(t, []byte("56789"), results[2].Data)
}

func TestIteratorChunkedRange(t *testing.T) {
	// A coalesced range larger than the wire cap travels as several chunks;
	// the results must still span chunk boundaries seamlessly.
	file := testFile()
	offsets := []Request{{0, 10}, {10, 10}}
	params := Params{MaxChunk: 5, MaxBatchBytes: 100}

	fetch := func(batch []Chunk) ([][]byte, error) {
		out := make([][]byte, len(batch))
		for i, c := range batch {
			out[i] = file[c.Start : c.Start+c.Length]
		}
		return out, nil
	}

	it := NewIterator("blob", offsets, params, fetch)
	results, err := it.Collect()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []byte("0123456789"), results[0].Data)
	assert.Equal(t, []byte("ABCDEFGHIJ"), results[1].Data)
}

func TestIteratorOverlappingRequestsAcrossChunkSplit(t *testing.T) {
	// Overlapping requests under a tight combine limit and a wire cap that
	// puts a chunk boundary inside the overlap. Every requested byte exists,
	// so all three results must come back.
	file := testFile()
	offsets := []Request{{0, 10}, {5, 5}, {7, 10}}
	it := NewIterator("blob", offsets, Params{MaxCombine: 2, MaxChunk: 7}, sliceFetch(file, nil))

	results, err := it.Collect()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []byte("0123456789"), results[0].Data)
	assert.Equal(t, []byte("56789"), results[1].Data)
	assert.Equal(t, []byte("789ABCDEFG"), results[2].Data)
}

func TestIteratorCleanupRunsOnExhaustion(t *testing.T) {
	cleaned := 0
	it := NewIterator("blob", []Request{{0, 5}}, Params{}, sliceFetch(testFile(), nil))
	it.Cleanup(func() { cleaned++ })
	assert.Equal(t, 0, cleaned)

	_, err := it.Collect()
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	// Exhausted iterators never run it again.
	it.Next()
	assert.Equal(t, 1, cleaned)
}

func TestIteratorCleanupRunsOnError(t *testing.T) {
	cleaned := 0
	it := NewIterator("blob", []Request{{0, 5}}, Params{},
		func([]Chunk) ([][]byte, error) { return nil, errors.New("connection dropped") })
	it.Cleanup(func() { cleaned++ })

	_, err := it.Collect()
	require.Error(t, err)
	assert.Equal(t, 1, cleaned)
}

func TestIteratorCleanupWhenAlreadyDone(t *testing.T) {
	cleaned := 0
	it := NewIterator("blob", nil, Params{}, nil)
	it.Cleanup(func() { cleaned++ })
	assert.Equal(t, 1, cleaned)
}

func TestIteratorShortReadIsFatal(t *testing.T) {
	// Ask for 5 bytes at offset 10 of a 13-byte file: only 3 come back.
	file := []byte("0123456789ABC")
	offsets := []Request{{10, 5}}
	it := NewIterator("blob", offsets, Params{}, sliceFetch(file, nil))

	assert.False(t, it.Next())
	err := it.Err()
	require.Error(t, err)
	assert.True(t, terrors.IsShortReadError(err))

	var te *terrors.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "blob", te.Path)
	assert.Contains(t, te.Error(), "offset 10")
	assert.Contains(t, te.Error(), "expected 5")
	assert.Contains(t, te.Error(), "got 3")
}

func TestIteratorFetchErrorPropagates(t *testing.T) {
	boom := errors.New("connection dropped")
	it := NewIterator("blob", []Request{{0, 5}}, Params{},
		func([]Chunk) ([][]byte, error) { return nil, boom })

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), boom)
}

func TestIteratorSingleByteRequests(t *testing.T) {
	offsets := []Request{{3, 1}, {1, 1}, {2, 1}}
	it := NewIterator("blob", offsets, Params{FudgeFactor: 2}, sliceFetch(testFile(), nil))

	results, err := it.Collect()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []byte("3"), results[0].Data)
	assert.Equal(t, []byte("1"), results[1].Data)
	assert.Equal(t, []byte("2"), results[2].Data)
}
