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

// Package memio routes guest MMIO and PIO accesses to emulated devices.
//
// Devices register address windows with an Index; the per-vCPU dispatch
// path resolves the faulting guest-physical address (or port number) to
// the owning device and invokes its handler. Two collections are kept:
// the primary collection, consulted first and backed by a per-vCPU
// one-entry hint cache, and a fallback collection for catch-all decoding
// that is consulted only on a primary miss.
package memio

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("source", "memio")

// Addr is a guest-physical address or, for PIO indexes, a port number.
type Addr uint64

// Errors returned by Index operations.
var (
	// ErrOverlap is returned by Register and RegisterFallback when the
	// new window intersects an already registered one. Registration
	// overlap indicates a device model bug and is fatal to the caller's
	// setup path.
	ErrOverlap = errors.New("memio: region overlaps an existing registration")

	// ErrNotFound is returned when no registered region covers the
	// address. It is the moral equivalent of ESRCH from the original
	// memory emulation.
	ErrNotFound = errors.New("memio: no region covers the address")

	// ErrImmutable is returned by Unregister for regions registered as
	// immutable. Immutable regions live for the duration of the VM.
	ErrImmutable = errors.New("memio: region is immutable")

	// ErrMismatch is returned by Unregister when a region exists at the
	// base address but its name or size disagrees with the caller's.
	// This is a programming error, not a recoverable condition.
	ErrMismatch = errors.New("memio: region name or size mismatch")

	// ErrInvalidRange rejects empty or wrapping address ranges.
	ErrInvalidRange = errors.New("memio: invalid address range")
)

// Handler performs the device side of an MMIO or PIO access. The vcpu
// argument identifies the virtual CPU that faulted; handlers that are
// not per-CPU may ignore it.
//
// A handler that re-enters the registry (calling Register or Unregister
// on the same Index, directly or transitively) must only ever be
// attached to an immutable region; see (*Index).Dispatch.
type Handler interface {
	// ReadAt returns size bytes at addr, zero-extended into a uint64.
	ReadAt(vcpu int, addr Addr, size uint) (uint64, error)

	// WriteAt stores the low size bytes of val at addr.
	WriteAt(vcpu int, addr Addr, size uint, val uint64) error
}

// Region describes one registered MMIO or PIO window. The registry owns
// the Region after a successful Register call; callers keep only the
// (Name, Base, Size) key for a later Unregister.
type Region struct {
	// Name identifies the owning device, for diagnostics and for the
	// consistency check on Unregister.
	Name string

	// Base is the first address covered by the window.
	Base Addr

	// Size is the length of the window in bytes.
	Size uint64

	// Immutable regions are never unregistered. Their handlers are
	// invoked without the registry lock held, which makes re-entry
	// into the registry safe.
	Immutable bool

	// Handler services accesses to the window.
	Handler Handler
}

// End returns the first address past the window.
func (r *Region) End() Addr {
	return r.Base + Addr(r.Size)
}

// contains reports whether addr falls inside the window.
func (r *Region) contains(addr Addr) bool {
	return addr >= r.Base && addr < r.End()
}

// overlaps reports whether [base, base+size) intersects the window.
func (r *Region) overlaps(base Addr, size uint64) bool {
	return r.Base < base+Addr(size) && base < r.End()
}

// Access describes a single guest access to be dispatched.
type Access struct {
	// IsWrite distinguishes stores from loads.
	IsWrite bool

	// Size is the access width in bytes (1, 2, 4 or 8).
	Size uint

	// Data receives the value read, or supplies the value written.
	Data *uint64
}
