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

	"golang.org/x/sys/unix"
)

// run is the body of one worker goroutine. Workers drain dispatchable
// slots, perform the I/O with no engine lock held, fire the completion
// callback, and retire the slot. They exit once the Context is closing
// and the pending queue holds no dispatchable work.
func (c *Context) run() error {
	var bounce []byte
	if c.direct {
		// O_DIRECT requires sector-aligned buffers; guest segments
		// carry no such guarantee, so reads and writes are staged.
		bounce = makeAlignedBuffer(maxTransfer, c.sectSz)
	}

	c.mu.Lock()
	for {
		for {
			i, ok := c.dequeueLocked()
			if !ok {
				break
			}
			s := &c.slots[i]
			req, op := s.req, s.op
			c.mu.Unlock()

			err := c.process(s, req, op, bounce)

			c.mu.Lock()
			s.st = statusDone
			c.done.Broadcast()
			c.mu.Unlock()

			req.Done(err)

			c.mu.Lock()
			c.completeLocked(i)
		}
		if c.closing {
			break
		}
		c.cond.Wait()
	}
	c.mu.Unlock()
	return nil
}

// process executes one request. It runs with no lock held; the worker
// owns the busy slot exclusively.
func (c *Context) process(s *slot, req *Request, op Op, bounce []byte) error {
	switch op {
	case OpRead:
		return c.processRead(s, req, bounce)
	case OpWrite:
		if c.readOnly {
			return ErrReadOnly
		}
		return c.processWrite(s, req, bounce)
	case OpFlush:
		if err := unix.Fsync(c.fd); err != nil {
			return fmt.Errorf("blockio: fsync: %w", err)
		}
		return nil
	case OpDelete:
		return c.processDelete(req)
	}
	panic(fmt.Sprintf("blockio: unknown op %v", op))
}

func (c *Context) processRead(s *slot, req *Request, bounce []byte) error {
	if bounce == nil {
		n, err := unix.Preadv(c.fd, req.Segments, req.Offset)
		if err != nil {
			return fmt.Errorf("blockio: preadv: %w", err)
		}
		req.Resid -= int64(n)
		return nil
	}

	// Staged path: read whole chunks into the bounce buffer and
	// scatter them into the caller's segments.
	var off int64
	seg, segOff := 0, 0
	for req.Resid > 0 {
		if s.interrupt.Load() {
			return ErrCanceled
		}
		n := req.Resid
		if n > maxTransfer {
			n = maxTransfer
		}
		m, err := unix.Pread(c.fd, bounce[:n], req.Offset+off)
		if err != nil {
			return fmt.Errorf("blockio: pread: %w", err)
		}
		if m == 0 {
			return fmt.Errorf("blockio: pread at %#x: %w", req.Offset+off, io.ErrUnexpectedEOF)
		}
		for copied := 0; copied < m; {
			k := copy(req.Segments[seg][segOff:], bounce[copied:m])
			copied += k
			segOff += k
			if segOff == len(req.Segments[seg]) {
				seg++
				segOff = 0
			}
		}
		off += int64(m)
		req.Resid -= int64(m)
	}
	return nil
}

func (c *Context) processWrite(s *slot, req *Request, bounce []byte) error {
	if bounce == nil {
		n, err := unix.Pwritev(c.fd, req.Segments, req.Offset)
		if err != nil {
			return fmt.Errorf("blockio: pwritev: %w", err)
		}
		req.Resid -= int64(n)
		return nil
	}

	// Staged path: gather segments into the bounce buffer and write
	// whole chunks.
	var off int64
	seg, segOff := 0, 0
	for req.Resid > 0 {
		if s.interrupt.Load() {
			return ErrCanceled
		}
		n := req.Resid
		if n > maxTransfer {
			n = maxTransfer
		}
		for filled := int64(0); filled < n; {
			k := copy(bounce[filled:n], req.Segments[seg][segOff:])
			filled += int64(k)
			segOff += k
			if segOff == len(req.Segments[seg]) {
				seg++
				segOff = 0
			}
		}
		if _, err := unix.Pwrite(c.fd, bounce[:n], req.Offset+off); err != nil {
			return fmt.Errorf("blockio: pwrite: %w", err)
		}
		off += n
		req.Resid -= n
	}
	return nil
}

func (c *Context) processDelete(req *Request) error {
	if !c.canDelete {
		return ErrUnsupported
	}
	if c.readOnly {
		return ErrReadOnly
	}
	if c.isBlockDev {
		if err := ioctlDiscard(c.fd, req.Offset, req.Resid); err != nil {
			if err == unix.EOPNOTSUPP {
				return ErrUnsupported
			}
			return fmt.Errorf("blockio: discard: %w", err)
		}
	} else {
		err := unix.Fallocate(c.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, req.Offset, req.Resid)
		if err != nil {
			if err == unix.EOPNOTSUPP {
				return ErrUnsupported
			}
			return fmt.Errorf("blockio: punch hole: %w", err)
		}
	}
	req.Resid = 0
	return nil
}
