package readv

import (
	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// FetchFunc performs one network round trip for a batch of wire chunks and
// returns one byte slice per chunk, in the same order. Implementations must
// return exactly the requested number of bytes per chunk or an error; a
// short slice is reported by the iterator as a fatal short read.
type FetchFunc func(batch []Chunk) ([][]byte, error)

// Iterator yields readv results lazily, in the caller's original request
// order. It is a finite, non-restartable, single-pass sequence: wire chunks
// are consumed as they are fetched and cannot be replayed.
//
// Usage:
//
//	it := readv.NewIterator(path, offsets, params, fetch)
//	for it.Next() {
//	    res := it.Result()
//	    ...
//	}
//	if err := it.Err(); err != nil {
//	    ...
//	}
type Iterator struct {
	path    string
	batches [][]Chunk
	nextBat int
	fetch   FetchFunc
	asm     *Reassembler
	cur     Result
	err     error
	done    bool
	cleanup func()
}

// NewIterator plans the readv (coalesce, cap, batch) and returns a lazy
// iterator over the results. An empty request list yields an iterator that
// is immediately exhausted and never calls fetch: no network traffic at all.
func NewIterator(path string, offsets []Request, p Params, fetch FetchFunc) *Iterator {
	it := &Iterator{path: path, fetch: fetch}
	if len(offsets) == 0 {
		it.done = true
		return it
	}
	ranges := Coalesce(offsets, p.MaxCombine, p.FudgeFactor, 0)
	chunks := SplitChunks(ranges, p.MaxChunk)
	it.batches = Batch(chunks, p.MaxBatchBytes)
	it.asm = NewReassembler(path, offsets, ranges)
	return it
}

// Cleanup registers fn to run exactly once when the iterator finishes,
// whether by exhaustion or by error. If the iterator is already finished, fn
// runs immediately. Backends use this to release per-readv resources such as
// an open file handle.
func (it *Iterator) Cleanup(fn func()) {
	if it.done {
		fn()
		return
	}
	it.cleanup = fn
}

// finish marks the sequence complete and runs the cleanup hook once.
func (it *Iterator) finish() {
	it.done = true
	if it.cleanup != nil {
		it.cleanup()
		it.cleanup = nil
	}
}

// Next advances to the next result. It returns false when the sequence is
// exhausted or an error occurred; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	for {
		if res, ok := it.asm.Next(); ok {
			it.cur = res
			return true
		}
		if it.nextBat >= len(it.batches) {
			// No more wire data. Anything still unsatisfied is a short read.
			if err := it.asm.Finish(); err != nil {
				it.err = err
			}
			it.finish()
			return false
		}

		batch := it.batches[it.nextBat]
		it.nextBat++
		data, err := it.fetch(batch)
		if err != nil {
			it.err = err
			it.finish()
			return false
		}
		if len(data) != len(batch) {
			it.err = terrors.NewProtocolError(
				"readv backend returned wrong number of chunks")
			it.finish()
			return false
		}
		for i, chunk := range batch {
			if uint64(len(data[i])) < chunk.Length {
				it.err = terrors.NewShortReadError(
					it.path, chunk.Start, int(chunk.Length), len(data[i]))
				it.finish()
				return false
			}
			if err := it.asm.Add(chunk.Start, data[i][:chunk.Length]); err != nil {
				it.err = err
				it.finish()
				return false
			}
		}
	}
}

// Result returns the result produced by the last successful Next.
func (it *Iterator) Result() Result {
	return it.cur
}

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Collect drains the iterator into a slice. Intended for callers that want
// everything anyway and for tests.
func (it *Iterator) Collect() ([]Result, error) {
	var out []Result
	for it.Next() {
		out = append(out, it.Result())
	}
	return out, it.Err()
}
