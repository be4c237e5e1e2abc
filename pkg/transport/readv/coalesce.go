// Package readv implements the scatter-gather read engine shared by the
// smart-protocol and SFTP transports: it coalesces arbitrary sets of
// (offset, length) read requests into a minimal number of network round
// trips and reassembles the returned bytes in the caller's original request
// order, even when the wire delivers coalesced chunks out of order.
package readv

import (
	"sort"
)

// Request is a single caller read request.
type Request struct {
	Start  uint64
	Length uint32
}

// Result is one fulfilled request: the bytes at Offset, exactly as long as
// the caller asked for.
type Result struct {
	Offset uint64
	Data   []byte
}

// Subrange locates one original request inside a coalesced range, relative
// to the range's start.
type Subrange struct {
	Offset uint64
	Length uint32
}

// CoalescedRange is one or more original requests merged because they are
// adjacent or within the fudge factor of each other. Subranges may overlap
// or leave gaps; every subrange is fully contained in [0, Length).
type CoalescedRange struct {
	Start     uint64
	Length    uint64
	Subranges []Subrange
}

// Chunk is a coalesced range split down to the wire: no chunk is larger
// than the backend's maximum single-request size.
type Chunk struct {
	Start  uint64
	Length uint64
}

// End returns the first byte offset past the range.
func (c CoalescedRange) End() uint64 {
	return c.Start + c.Length
}

// Params tunes the engine for a particular backend.
type Params struct {
	// FudgeFactor is the largest gap, in bytes, across which two requests
	// are still merged into one range. Reading a few bytes nobody asked for
	// is cheaper than another round trip.
	FudgeFactor uint64

	// MaxCombine caps how many requests merge into a single range.
	// 0 means no limit.
	MaxCombine int

	// MaxChunk caps the size of a single wire request. Coalesced ranges
	// larger than this are split into consecutive chunks. 0 means no cap.
	MaxChunk uint64

	// MaxBatchBytes is the aggregate byte budget for one round trip when the
	// backend can batch several chunks per call. 0 means one round trip per
	// chunk.
	MaxBatchBytes uint64
}

// Coalesce merges a request list into ranges. A copy of offsets is sorted by
// start; the caller's slice and its order are left untouched. Requests merge
// into the current range when the gap from the previous request's end is at
// most fudge bytes, subject to the combine limit and maxSize cap.
//
// Unlike a strict readv, duplicate and overlapping requests are admitted:
// they become extra subranges of the covering range and are fulfilled once
// per occurrence during reassembly. Range spans never overlap: reassembly
// maps wire chunks to ranges by offset, so a request that begins inside the
// current range merges into it even past the combine limit or size cap.
func Coalesce(offsets []Request, limit int, fudge, maxSize uint64) []CoalescedRange {
	if len(offsets) == 0 {
		return nil
	}

	sorted := make([]Request, len(offsets))
	copy(sorted, offsets)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].Length < sorted[j].Length
	})

	var out []CoalescedRange
	var cur CoalescedRange
	var lastEnd uint64
	started := false

	for _, req := range sorted {
		end := req.Start + uint64(req.Length)
		overlapsCur := started && req.Start < cur.End()
		if overlapsCur ||
			(started &&
				req.Start <= lastEnd+fudge &&
				(limit <= 0 || len(cur.Subranges) < limit) &&
				(maxSize <= 0 || maxU64(end, cur.End())-cur.Start <= maxSize)) {
			if end > cur.End() {
				cur.Length = end - cur.Start
			}
			cur.Subranges = append(cur.Subranges, Subrange{
				Offset: req.Start - cur.Start,
				Length: req.Length,
			})
		} else {
			if started {
				out = append(out, cur)
			}
			cur = CoalescedRange{
				Start:     req.Start,
				Length:    uint64(req.Length),
				Subranges: []Subrange{{Offset: 0, Length: req.Length}},
			}
			started = true
		}
		if end > lastEnd {
			lastEnd = end
		}
	}

	out = append(out, cur)
	return out
}

// SplitChunks cuts coalesced ranges into wire chunks of at most maxChunk
// bytes. Splitting is purely a wire-level concern: the range boundaries used
// for reassembly are unchanged. maxChunk of 0 yields one chunk per range.
func SplitChunks(ranges []CoalescedRange, maxChunk uint64) []Chunk {
	var chunks []Chunk
	for _, r := range ranges {
		if maxChunk == 0 || r.Length <= maxChunk {
			chunks = append(chunks, Chunk{Start: r.Start, Length: r.Length})
			continue
		}
		for off := uint64(0); off < r.Length; off += maxChunk {
			n := r.Length - off
			if n > maxChunk {
				n = maxChunk
			}
			chunks = append(chunks, Chunk{Start: r.Start + off, Length: n})
		}
	}
	return chunks
}

// Batch groups chunks into round trips of at most maxBatchBytes aggregate
// size. A chunk larger than the budget travels alone. maxBatchBytes of 0
// puts every chunk in its own round trip.
func Batch(chunks []Chunk, maxBatchBytes uint64) [][]Chunk {
	if len(chunks) == 0 {
		return nil
	}
	if maxBatchBytes == 0 {
		out := make([][]Chunk, len(chunks))
		for i, c := range chunks {
			out[i] = []Chunk{c}
		}
		return out
	}

	var out [][]Chunk
	var cur []Chunk
	var curBytes uint64
	for _, c := range chunks {
		if len(cur) > 0 && curBytes+c.Length > maxBatchBytes {
			out = append(out, cur)
			cur = nil
			curBytes = 0
		}
		cur = append(cur, c)
		curBytes += c.Length
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
