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

// Package blockio performs asynchronous disk I/O on behalf of virtio
// block device models.
//
// A Context owns one backing file or block device and a fixed-capacity
// pool of request slots serviced by a small pool of worker goroutines,
// so that a virtual CPU thread never blocks on disk I/O: Read, Write,
// Flush and Delete only enqueue, and the request's completion callback
// fires from a worker once the operation finishes.
//
// Requests whose starting offset collides with an earlier queued or
// in-flight request are held back until the earlier one completes,
// giving strict FIFO ordering per starting offset. Requests to other
// offsets have no ordering guarantee relative to each other.
package blockio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("source", "blockio")

const (
	// sectorSize is the default logical sector size assumed for
	// regular file backends.
	sectorSize = 512

	// numWorkers is the number of I/O worker goroutines per Context.
	numWorkers = 8

	// maxRequests is the request slot pool capacity. The queue depth
	// published to callers is one less.
	maxRequests = 128 + numWorkers

	// maxTransfer bounds a single bounce-buffered transfer.
	maxTransfer = 128 << 10
)

// Errors returned by Context operations.
var (
	// ErrQueueFull is returned when a request is submitted with no free
	// slot available. Callers must respect QueueDepth and back off; the
	// engine never blocks a submitter.
	ErrQueueFull = errors.New("blockio: request queue is full")

	// ErrBusy is returned by Cancel when the request was already being
	// processed by a worker. The worker has been interrupted, but the
	// completion callback may or may not have fired by the time Cancel
	// returns; the caller must re-check its own completion state.
	ErrBusy = errors.New("blockio: request busy, completion may have fired")

	// ErrNotFound is returned by Cancel for a request the Context does
	// not hold.
	ErrNotFound = errors.New("blockio: no such request")

	// ErrReadOnly is delivered to the completion callback of writes and
	// deletes against a read-only backend.
	ErrReadOnly = errors.New("blockio: backend is read-only")

	// ErrUnsupported is delivered to the completion callback of deletes
	// against a backend without TRIM/discard capability.
	ErrUnsupported = errors.New("blockio: operation not supported by backend")

	// ErrCanceled is delivered to the completion callback of a request
	// whose worker observed a cancellation mid-transfer.
	ErrCanceled = errors.New("blockio: request canceled")

	// ErrClosed is returned for submissions against a closed Context.
	ErrClosed = errors.New("blockio: context is closed")
)

// Context is one open block backend.
type Context struct {
	ident string
	fd    int

	isBlockDev bool
	readOnly   bool
	canDelete  bool
	direct     bool

	size     int64
	sectSz   int
	psectSz  int
	psectOff int

	mu      sync.Mutex
	cond    sync.Cond // work available; Close wakeup
	done    sync.Cond // slot state transitions, for Cancel waiters
	closing bool

	slots []slot
	freeq []int
	pendq []int
	busyq []int

	workers errgroup.Group
}

// options is the parsed form of an Open spec string.
type options struct {
	path    string
	nocache bool
	sync    bool
	ro      bool
	sectSz  int
	psectSz int
}

func parseSpec(spec string) (options, error) {
	var o options
	fields := strings.Split(spec, ",")
	o.path = fields[0]
	if o.path == "" {
		return o, fmt.Errorf("blockio: empty backing path in %q", spec)
	}
	for _, opt := range fields[1:] {
		switch {
		case opt == "nocache":
			o.nocache = true
		case opt == "sync" || opt == "direct":
			o.sync = true
		case opt == "ro":
			o.ro = true
		case strings.HasPrefix(opt, "sectorsize="):
			val := strings.TrimPrefix(opt, "sectorsize=")
			logical, physical, haveBoth := strings.Cut(val, "/")
			ss, err := strconv.Atoi(logical)
			if err != nil {
				return o, fmt.Errorf("blockio: invalid device option %q", opt)
			}
			pss := ss
			if haveBoth {
				if pss, err = strconv.Atoi(physical); err != nil {
					return o, fmt.Errorf("blockio: invalid device option %q", opt)
				}
			}
			o.sectSz, o.psectSz = ss, pss
		default:
			return o, fmt.Errorf("blockio: invalid device option %q", opt)
		}
	}
	return o, nil
}

func powerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Open opens a block backend described by spec and starts its worker
// pool. The first comma-separated element of spec is the path to a
// regular file or block device; the remaining elements are option
// flags: "nocache" (O_DIRECT), "sync" or "direct" (O_SYNC), "ro", and
// "sectorsize=N" or "sectorsize=N/M" to override the logical and
// physical sector sizes presented to the guest.
//
// With "ro" the backend is opened read-only outright; otherwise a
// backend that cannot be opened read-write is reopened read-only, and
// IsReadOnly reports the result. The
// ident string names the backend in logs and worker diagnostics.
func Open(spec, ident string) (*Context, error) {
	o, err := parseSpec(spec)
	if err != nil {
		return nil, err
	}

	extra := unix.O_CLOEXEC
	if o.nocache {
		extra |= unix.O_DIRECT
	}
	if o.sync {
		extra |= unix.O_SYNC
	}

	ro := o.ro
	mode := unix.O_RDWR
	if ro {
		mode = unix.O_RDONLY
	}
	fd, err := unix.Open(o.path, mode|extra, 0)
	if err != nil && !ro {
		// Retry the failed read-write open as read-only.
		fd, err = unix.Open(o.path, unix.O_RDONLY|extra, 0)
		ro = true
	}
	if err != nil {
		return nil, fmt.Errorf("blockio: open %s: %w", o.path, err)
	}

	c := &Context{
		ident:    ident,
		fd:       fd,
		readOnly: ro,
		direct:   o.nocache,
		sectSz:   sectorSize,
	}
	c.cond.L = &c.mu
	c.done.L = &c.mu

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blockio: stat %s: %w", o.path, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		c.isBlockDev = true
		if err := c.statBlockDevice(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("blockio: %s: %w", o.path, err)
		}
	case unix.S_IFREG:
		c.size = st.Size
		c.psectSz = int(st.Blksize)
		// Regular files delete via hole punching; the filesystem may
		// still refuse at request time.
		c.canDelete = true
	default:
		unix.Close(fd)
		return nil, fmt.Errorf("blockio: %s: unsupported backing file type %#o", o.path, st.Mode&unix.S_IFMT)
	}

	if o.sectSz != 0 {
		if !powerOf2(o.sectSz) || !powerOf2(o.psectSz) || o.sectSz < sectorSize || o.sectSz > o.psectSz {
			unix.Close(fd)
			return nil, fmt.Errorf("blockio: invalid sector size %d/%d", o.sectSz, o.psectSz)
		}
		// Backends doing device I/O need the emulated sector size to
		// be a multiple of the device's native sector size.
		if c.isBlockDev && (o.sectSz < c.sectSz || o.sectSz%c.sectSz != 0) {
			unix.Close(fd)
			return nil, fmt.Errorf("blockio: sector size %d incompatible with device sector size %d", o.sectSz, c.sectSz)
		}
		c.sectSz = o.sectSz
		c.psectSz = o.psectSz
		c.psectOff = 0
	}

	c.slots = make([]slot, maxRequests)
	c.freeq = make([]int, 0, maxRequests)
	c.pendq = make([]int, 0, maxRequests)
	c.busyq = make([]int, 0, maxRequests)
	for i := range c.slots {
		c.freeq = append(c.freeq, i)
	}

	for i := 0; i < numWorkers; i++ {
		c.workers.Go(c.run)
	}

	log.WithFields(logrus.Fields{
		"ident":      ident,
		"path":       o.path,
		"size":       c.size,
		"sectorSize": c.sectSz,
		"readOnly":   c.readOnly,
		"blockDev":   c.isBlockDev,
	}).Info("opened block backend")
	return c, nil
}

// statBlockDevice discovers the device's natural size and sector
// geometry from the kernel.
func (c *Context) statBlockDevice() error {
	size, err := unix.IoctlGetInt(c.fd, unix.BLKGETSIZE64)
	if err != nil {
		return fmt.Errorf("device size: %w", err)
	}
	ssz, err := unix.IoctlGetUint32(c.fd, unix.BLKSSZGET)
	if err != nil {
		return fmt.Errorf("device sector size: %w", err)
	}
	if size == 0 || ssz == 0 {
		return errors.New("device reports zero size or sector size")
	}
	c.size = int64(size)
	c.sectSz = int(ssz)
	if psz, err := unix.IoctlGetUint32(c.fd, unix.BLKPBSZGET); err == nil && psz > 0 {
		c.psectSz = int(psz)
	}
	// Whether discard actually works depends on the underlying queue;
	// a non-capable device fails the request with ErrUnsupported.
	c.canDelete = true
	return nil
}

// Close stops the worker pool and releases the backing descriptor.
// Outstanding requests are not canceled: callers must drain their own
// queue first. Requests still pending at Close are processed before the
// workers exit.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closing = true
	c.mu.Unlock()
	c.cond.Broadcast()

	if err := c.workers.Wait(); err != nil {
		unix.Close(c.fd)
		return err
	}
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("blockio: close %s: %w", c.ident, err)
	}
	log.WithField("ident", c.ident).Info("closed block backend")
	return nil
}

// Size returns the backend size in bytes.
func (c *Context) Size() int64 {
	return c.size
}

// SectorSize returns the logical sector size presented to the guest.
func (c *Context) SectorSize() int {
	return c.sectSz
}

// PhysicalSectorSize returns the physical sector size and the offset of
// the first full physical sector.
func (c *Context) PhysicalSectorSize() (size, offset int) {
	return c.psectSz, c.psectOff
}

// QueueDepth returns the number of requests a caller may keep in flight
// without risking ErrQueueFull.
func (c *Context) QueueDepth() int {
	return maxRequests - 1
}

// IsReadOnly reports whether the backend was opened read-only, either
// by request or because the read-write open failed.
func (c *Context) IsReadOnly() bool {
	return c.readOnly
}

// CanDelete reports whether the backend supports TRIM/delete requests.
func (c *Context) CanDelete() bool {
	return c.canDelete
}
