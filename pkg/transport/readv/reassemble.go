package readv

import (
	"fmt"
	"sort"

	terrors "github.com/keelvcs/keel/pkg/transport/errors"
)

// reqKey identifies one original request. Duplicate requests share a key and
// are tracked by occurrence count.
type reqKey struct {
	start  uint64
	length uint32
}

// Reassembler turns wire chunks, arriving in whatever order the network
// delivers them, back into results in the caller's original request order.
//
// Chunks are buffered per coalesced range. A chunk that continues the
// contiguous prefix of its range is appended directly; a chunk that arrives
// out of turn is parked in a side index keyed by its start offset and
// drained once the prefix reaches it. Whenever the contiguous prefix of a
// range covers a subrange, that request's bytes are banked; a single cursor
// over the original, unsorted request list then releases results strictly
// in caller order.
type Reassembler struct {
	path     string
	requests []Request
	cursor   int

	ranges    []CoalescedRange // sorted by start
	extracted []int            // per range: subranges already banked

	buf     [][]byte          // per range: contiguous prefix bytes
	pending map[uint64][]byte // out-of-turn chunks by start offset

	counts map[reqKey]int    // occurrences of each request still unfulfilled
	banked map[reqKey][]byte // satisfied request bytes awaiting the cursor

	ready []Result // results released by the cursor, not yet handed out
}

// NewReassembler creates a reassembler for one readv call. ranges must be
// the output of Coalesce for the same request list.
func NewReassembler(path string, requests []Request, ranges []CoalescedRange) *Reassembler {
	r := &Reassembler{
		path:      path,
		requests:  requests,
		ranges:    ranges,
		extracted: make([]int, len(ranges)),
		buf:       make([][]byte, len(ranges)),
		pending:   make(map[uint64][]byte),
		counts:    make(map[reqKey]int, len(requests)),
		banked:    make(map[reqKey][]byte),
	}
	for _, req := range requests {
		r.counts[reqKey{req.Start, req.Length}]++
	}
	return r
}

// Add feeds one wire chunk into the reassembler. data must be exactly the
// bytes read starting at start; short chunks must be rejected by the caller
// before Add, since only the caller knows the requested chunk length.
func (r *Reassembler) Add(start uint64, data []byte) error {
	idx := r.rangeFor(start)
	if idx < 0 {
		return terrors.NewProtocolError(fmt.Sprintf(
			"readv chunk at offset %d does not belong to any requested range", start))
	}

	rng := r.ranges[idx]
	next := rng.Start + uint64(len(r.buf[idx]))
	if start != next {
		// Out of turn: park it until the contiguous prefix reaches it.
		r.pending[start] = data
		return nil
	}

	r.buf[idx] = append(r.buf[idx], data...)
	// Drain any parked chunks that are now contiguous.
	for {
		next = rng.Start + uint64(len(r.buf[idx]))
		parked, ok := r.pending[next]
		if !ok {
			break
		}
		delete(r.pending, next)
		r.buf[idx] = append(r.buf[idx], parked...)
	}

	r.extract(idx)
	r.release()
	return nil
}

// Next pops the next in-order result if one is ready.
func (r *Reassembler) Next() (Result, bool) {
	if len(r.ready) == 0 {
		return Result{}, false
	}
	res := r.ready[0]
	r.ready = r.ready[1:]
	return res, true
}

// Done reports whether every original request has been released.
func (r *Reassembler) Done() bool {
	return r.cursor >= len(r.requests) && len(r.ready) == 0
}

// Finish verifies that all requests were satisfied. It reports the first
// unsatisfied request as a short read so the failure names the exact offset
// the caller never received.
func (r *Reassembler) Finish() error {
	if r.cursor >= len(r.requests) {
		return nil
	}
	req := r.requests[r.cursor]
	got := 0
	if data, ok := r.banked[reqKey{req.Start, req.Length}]; ok {
		got = len(data)
	}
	return terrors.NewShortReadError(r.path, req.Start, int(req.Length), got)
}

// rangeFor locates the coalesced range containing the given chunk start via
// binary search, or -1 if no range covers it.
func (r *Reassembler) rangeFor(start uint64) int {
	i := sort.Search(len(r.ranges), func(i int) bool {
		return r.ranges[i].Start > start
	}) - 1
	if i < 0 || start >= r.ranges[i].End() {
		return -1
	}
	return i
}

// extract banks every subrange of range idx now covered by the contiguous
// prefix. Subranges are sorted by Coalesce, so a single pass suffices.
func (r *Reassembler) extract(idx int) {
	rng := r.ranges[idx]
	have := uint64(len(r.buf[idx]))
	for r.extracted[idx] < len(rng.Subranges) {
		sub := rng.Subranges[r.extracted[idx]]
		if sub.Offset+uint64(sub.Length) > have {
			break
		}
		key := reqKey{rng.Start + sub.Offset, sub.Length}
		if _, dup := r.banked[key]; !dup {
			r.banked[key] = r.buf[idx][sub.Offset : sub.Offset+uint64(sub.Length)]
		}
		r.extracted[idx]++
	}
}

// release advances the cursor over the original request order, moving every
// already-banked request into the ready queue.
func (r *Reassembler) release() {
	for r.cursor < len(r.requests) {
		req := r.requests[r.cursor]
		key := reqKey{req.Start, req.Length}
		data, ok := r.banked[key]
		if !ok {
			return
		}
		r.ready = append(r.ready, Result{Offset: req.Start, Data: data})
		r.counts[key]--
		if r.counts[key] <= 0 {
			delete(r.banked, key)
			delete(r.counts, key)
		}
		r.cursor++
	}
}
