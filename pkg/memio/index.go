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

package memio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

const btreeDegree = 8

// Index maps guest address windows to device handlers.
//
// An Index holds two ordered collections. The primary collection is
// consulted first and its results are remembered in a per-vCPU
// one-entry cache; the fallback collection catches accesses no primary
// region claims and is never cached. A single reader/writer lock covers
// both collections.
//
// The zero Index is not usable; construct one with NewIndex.
type Index struct {
	mu       sync.RWMutex
	primary  *btree.BTreeG[*Region]
	fallback *btree.BTreeG[*Region]

	// cache holds the last region resolved from the primary collection
	// for each vCPU. Entries are cleared whenever a region leaves the
	// primary collection, regardless of which vCPU cached them.
	cache []atomic.Pointer[Region]
}

func regionLess(a, b *Region) bool {
	return a.Base < b.Base
}

// NewIndex returns an empty Index with lookup cache slots for numVCPUs
// virtual CPUs.
func NewIndex(numVCPUs int) *Index {
	return &Index{
		primary:  btree.NewG(btreeDegree, regionLess),
		fallback: btree.NewG(btreeDegree, regionLess),
		cache:    make([]atomic.Pointer[Region], numVCPUs),
	}
}

// Register adds r to the primary collection. It fails with ErrOverlap
// if any registered primary region intersects [r.Base, r.Base+r.Size).
func (ix *Index) Register(r *Region) error {
	return ix.register(r, false)
}

// RegisterFallback adds r to the fallback collection, which is
// consulted only when no primary region covers an address. The same
// no-overlap rule applies within the fallback collection.
func (ix *Index) RegisterFallback(r *Region) error {
	return ix.register(r, true)
}

func (ix *Index) register(r *Region, fallback bool) error {
	if r.Size == 0 || r.Base+Addr(r.Size) < r.Base {
		return ErrInvalidRange
	}
	if r.Handler == nil {
		return fmt.Errorf("memio: region %q has no handler", r.Name)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tree := ix.primary
	if fallback {
		tree = ix.fallback
	}
	if c := conflictLocked(tree, r.Base, r.Size); c != nil {
		return fmt.Errorf("%w: %q [%#x,%#x) vs %q [%#x,%#x)",
			ErrOverlap, r.Name, r.Base, r.End(), c.Name, c.Base, c.End())
	}
	tree.ReplaceOrInsert(r)

	log.WithFields(logrus.Fields{
		"region":   r.Name,
		"base":     fmt.Sprintf("%#x", r.Base),
		"size":     r.Size,
		"fallback": fallback,
	}).Debug("registered region")
	return nil
}

// conflictLocked returns a region in tree overlapping [base, base+size),
// or nil. Since registered regions are disjoint, only the region with
// the greatest Base not above the candidate's last address can overlap.
func conflictLocked(tree *btree.BTreeG[*Region], base Addr, size uint64) *Region {
	var found *Region
	pivot := &Region{Base: base + Addr(size) - 1}
	tree.DescendLessOrEqual(pivot, func(r *Region) bool {
		if r.overlaps(base, size) {
			found = r
		}
		return false
	})
	return found
}

// Unregister removes the primary region previously registered with the
// given key. It fails with ErrNotFound if no region is based at base,
// with ErrMismatch if the region found there disagrees on name or size,
// and with ErrImmutable for immutable regions.
//
// On success every per-vCPU cache entry holding the removed region is
// cleared before the region is released.
func (ix *Index) Unregister(name string, base Addr, size uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	r, ok := ix.primary.Get(&Region{Base: base})
	if !ok {
		return ErrNotFound
	}
	if r.Name != name || r.Size != size {
		return fmt.Errorf("%w: have %q [%#x,%#x), asked %q size %#x",
			ErrMismatch, r.Name, r.Base, r.End(), name, size)
	}
	if r.Immutable {
		return ErrImmutable
	}

	ix.primary.Delete(r)
	for i := range ix.cache {
		ix.cache[i].CompareAndSwap(r, nil)
	}

	log.WithFields(logrus.Fields{
		"region": r.Name,
		"base":   fmt.Sprintf("%#x", r.Base),
	}).Debug("unregistered region")
	return nil
}

// Lookup resolves addr to a registered region. A non-negative vcpu
// selects that vCPU's hint cache; vcpu < 0 bypasses the cache entirely,
// for callers outside any vCPU context.
func (ix *Index) Lookup(vcpu int, addr Addr) (*Region, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	r := ix.lookupLocked(vcpu, addr)
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

func (ix *Index) lookupLocked(vcpu int, addr Addr) *Region {
	if vcpu >= 0 && vcpu < len(ix.cache) {
		if r := ix.cache[vcpu].Load(); r != nil && r.contains(addr) {
			return r
		}
	}
	if r := coveringLocked(ix.primary, addr); r != nil {
		if vcpu >= 0 && vcpu < len(ix.cache) {
			ix.cache[vcpu].Store(r)
		}
		return r
	}
	// Fallback hits are not cached: the cache is cleared only on
	// primary removals, and a cached fallback region could otherwise
	// shadow a later primary registration.
	return coveringLocked(ix.fallback, addr)
}

func coveringLocked(tree *btree.BTreeG[*Region], addr Addr) *Region {
	var found *Region
	tree.DescendLessOrEqual(&Region{Base: addr}, func(r *Region) bool {
		if r.contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// Dispatch resolves addr and invokes the owning region's handler for
// the access.
//
// For mutable regions the registry read lock is held across the handler
// call, so the region cannot be unregistered mid-access; such handlers
// must never re-enter the registry or they will self-deadlock. For
// immutable regions the lock is dropped before the call, which is safe
// (the region can never go away) and required for handlers that
// register or unregister regions themselves, e.g. on a BAR reprogram.
func (ix *Index) Dispatch(vcpu int, addr Addr, access Access) error {
	ix.mu.RLock()
	r := ix.lookupLocked(vcpu, addr)
	if r == nil {
		ix.mu.RUnlock()
		return ErrNotFound
	}
	if r.Immutable {
		ix.mu.RUnlock()
		return invoke(r, vcpu, addr, access)
	}
	defer ix.mu.RUnlock()
	return invoke(r, vcpu, addr, access)
}

func invoke(r *Region, vcpu int, addr Addr, access Access) error {
	if access.IsWrite {
		return r.Handler.WriteAt(vcpu, addr, access.Size, *access.Data)
	}
	val, err := r.Handler.ReadAt(vcpu, addr, access.Size)
	if err != nil {
		return err
	}
	*access.Data = val
	return nil
}
