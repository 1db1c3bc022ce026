// Copyright 2026 The hostvm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockio

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"
)

// Op selects the operation a Request performs.
type Op int

const (
	// OpRead reads into the request's segments.
	OpRead Op = iota
	// OpWrite writes the request's segments.
	OpWrite
	// OpFlush commits the backend's write cache to stable storage.
	OpFlush
	// OpDelete discards the byte range [Offset, Offset+Resid).
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFlush:
		return "flush"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Request is one disk operation. The caller allocates it, keeps it
// alive until the completion callback has fired (or a Cancel succeeds),
// and must not touch Segments in the interim.
type Request struct {
	// Offset is the starting byte offset on the backend.
	Offset int64

	// Segments is the scatter/gather list for reads and writes. It is
	// ignored for flushes and deletes.
	Segments [][]byte

	// Resid is the number of bytes not yet transferred. Reads and
	// writes set it to the total segment length at submission; deletes
	// must pre-set it to the number of bytes to discard.
	Resid int64

	// Done is the completion callback. It runs on a worker goroutine
	// with no engine lock held; it receives nil on success, or the
	// reason the operation failed.
	Done func(err error)
}

// totalLen returns the sum of the segment lengths.
func (r *Request) totalLen() int64 {
	var n int64
	for _, seg := range r.Segments {
		n += int64(len(seg))
	}
	return n
}

type slotStatus int

const (
	statusFree slotStatus = iota
	statusBlocked
	statusPending
	statusBusy
	statusDone
)

func (s slotStatus) String() string {
	switch s {
	case statusFree:
		return "free"
	case statusBlocked:
		return "blocked"
	case statusPending:
		return "pending"
	case statusBusy:
		return "busy"
	case statusDone:
		return "done"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// slot tracks one queued request. Slots are pre-allocated in the
// Context's arena and move between the free, pending and busy index
// queues; a slot belongs to exactly one queue at any time.
type slot struct {
	req *Request
	op  Op
	st  slotStatus

	// end is the exclusive end offset of the transfer; flushes use
	// math.MaxInt64 so they never participate in offset collisions.
	end int64

	// interrupt is set by Cancel and polled by the owning worker
	// between transfer chunks.
	interrupt atomic.Bool
}

// Read enqueues a read. The completion callback fires when the data is
// in place.
func (c *Context) Read(req *Request) error {
	return c.submit(req, OpRead)
}

// Write enqueues a write.
func (c *Context) Write(req *Request) error {
	return c.submit(req, OpWrite)
}

// Flush enqueues a write-cache flush.
func (c *Context) Flush(req *Request) error {
	return c.submit(req, OpFlush)
}

// Delete enqueues a discard of [req.Offset, req.Offset+req.Resid).
func (c *Context) Delete(req *Request) error {
	return c.submit(req, OpDelete)
}

func (c *Context) submit(req *Request, op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrClosed
	}
	// Callers are required to observe QueueDepth; an empty free queue
	// means the limit was exceeded, and the submitter must back off
	// rather than block here.
	if len(c.freeq) == 0 {
		return ErrQueueFull
	}

	i := c.freeq[len(c.freeq)-1]
	c.freeq = c.freeq[:len(c.freeq)-1]
	s := &c.slots[i]
	if s.st != statusFree {
		panic(fmt.Sprintf("blockio: slot %d on free queue in state %v", i, s.st))
	}

	s.req = req
	s.op = op
	switch op {
	case OpRead, OpWrite:
		req.Resid = req.totalLen()
		s.end = req.Offset + req.Resid
	case OpDelete:
		s.end = req.Offset + req.Resid
	case OpFlush:
		s.end = math.MaxInt64
	}

	// Hold the request back if an earlier queued or in-flight request
	// shares its starting offset; it becomes dispatchable when that
	// request completes. Overlapping ranges with different starting
	// offsets are deliberately not serialized.
	if c.offsetCollidesLocked(i, req.Offset) {
		s.st = statusBlocked
	} else {
		s.st = statusPending
	}
	c.pendq = append(c.pendq, i)
	if s.st == statusPending {
		c.cond.Signal()
	}
	return nil
}

// offsetCollidesLocked reports whether any other queued or busy slot
// has the same starting offset.
func (c *Context) offsetCollidesLocked(self int, offset int64) bool {
	for _, i := range c.pendq {
		if i != self && c.slots[i].req.Offset == offset {
			return true
		}
	}
	for _, i := range c.busyq {
		if i != self && c.slots[i].req.Offset == offset {
			return true
		}
	}
	return false
}

// dequeueLocked takes the first dispatchable slot off the pending
// queue, marks it busy, and returns its index.
func (c *Context) dequeueLocked() (int, bool) {
	for pos, i := range c.pendq {
		s := &c.slots[i]
		switch s.st {
		case statusPending:
			c.pendq = append(c.pendq[:pos], c.pendq[pos+1:]...)
			s.st = statusBusy
			c.busyq = append(c.busyq, i)
			return i, true
		case statusBlocked:
			// Held back; skip.
		default:
			panic(fmt.Sprintf("blockio: slot %d on pending queue in state %v", i, s.st))
		}
	}
	return 0, false
}

// completeLocked retires slot i: it leaves whichever queue it occupies,
// the first blocked request sharing its starting offset (if any) is
// promoted, and the slot returns to the free queue.
func (c *Context) completeLocked(i int) {
	s := &c.slots[i]
	wasActive := true
	switch s.st {
	case statusBusy, statusDone:
		c.removeLocked(&c.busyq, i)
	case statusPending:
		c.removeLocked(&c.pendq, i)
	case statusBlocked:
		// A canceled blocked request held no offset claim; whatever
		// blocked it is still queued or in flight.
		c.removeLocked(&c.pendq, i)
		wasActive = false
	default:
		panic(fmt.Sprintf("blockio: completing slot %d in state %v", i, s.st))
	}

	// Promote exactly one blocked peer: promoting them all would let
	// two same-offset requests run concurrently on separate workers.
	// The next peer is promoted when this one completes, keeping the
	// per-offset chain strictly FIFO.
	if wasActive {
		offset := s.req.Offset
		for _, j := range c.pendq {
			t := &c.slots[j]
			if t.st == statusBlocked && t.req.Offset == offset {
				t.st = statusPending
				c.cond.Signal()
				break
			}
		}
	}

	s.req = nil
	s.st = statusFree
	s.interrupt.Store(false)
	c.freeq = append(c.freeq, i)
	c.done.Broadcast()
}

// removeLocked deletes slot index i from queue q, preserving order.
func (c *Context) removeLocked(q *[]int, i int) {
	for pos, j := range *q {
		if j == i {
			*q = append((*q)[:pos], (*q)[pos+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("blockio: slot %d not on its expected queue", i))
}

// Cancel withdraws a previously submitted request.
//
// A request still waiting in the queue is removed immediately and nil
// is returned; its completion callback will never fire. A request
// already claimed by a worker cannot be safely preempted mid-syscall:
// Cancel interrupts the worker, waits for it to notice, and returns
// ErrBusy. Whether the completion callback fired is deliberately left
// ambiguous, and the caller must check its own completion state.
// Requests unknown to the Context yield ErrNotFound.
func (c *Context) Cancel(req *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, i := range c.pendq {
		if c.slots[i].req == req {
			c.completeLocked(i)
			return nil
		}
	}

	found := -1
	for _, i := range c.busyq {
		if c.slots[i].req == req {
			found = i
			break
		}
	}
	if found == -1 {
		return ErrNotFound
	}

	// Interrupt the worker and wait until it leaves the slot. The
	// worker polls the flag between transfer chunks; an in-flight
	// system call is never preempted.
	s := &c.slots[found]
	s.interrupt.Store(true)
	for s.st == statusBusy && s.req == req {
		c.done.Wait()
	}
	return ErrBusy
}

// DumpQueues writes a human-readable snapshot of the slot queues,
// for debugging stuck guests.
func (c *Context) DumpQueues(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(w, "%s: %d free, %d queued, %d busy\n",
		c.ident, len(c.freeq), len(c.pendq), len(c.busyq))
	for _, q := range []struct {
		name string
		idxs []int
	}{
		{"pending", c.pendq},
		{"busy", c.busyq},
	} {
		for _, i := range q.idxs {
			s := &c.slots[i]
			fmt.Fprintf(w, "  %s slot %d: %s %s [%#x,%#x)\n",
				q.name, i, s.st, s.op, s.req.Offset, s.end)
		}
	}
}
