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
	"errors"
	"fmt"
	"sync"
	"testing"
)

// testHandler is a Handler backed by a single value.
type testHandler struct {
	mu     sync.Mutex
	val    uint64
	reads  int
	writes int
}

func (h *testHandler) ReadAt(vcpu int, addr Addr, size uint) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads++
	return h.val, nil
}

func (h *testHandler) WriteAt(vcpu int, addr Addr, size uint, val uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes++
	h.val = val
	return nil
}

func mustRegister(t *testing.T, ix *Index, name string, base Addr, size uint64) *Region {
	t.Helper()
	r := &Region{Name: name, Base: base, Size: size, Handler: &testHandler{}}
	if err := ix.Register(r); err != nil {
		t.Fatalf("Register(%s [%#x,%#x)): %v", name, base, base+Addr(size), err)
	}
	return r
}

func TestRegisterOverlap(t *testing.T) {
	for _, tc := range []struct {
		name    string
		base    Addr
		size    uint64
		wantErr error
	}{
		{"touching below", 0x1000, 0x1000, nil},
		{"touching above", 0x3000, 0x1000, nil},
		{"straddles boundary", 0x1800, 0x1000, ErrOverlap},
		{"contained", 0x2400, 0x100, ErrOverlap},
		{"contains", 0x1000, 0x10000, ErrOverlap},
		{"equal range", 0x2000, 0x1000, ErrOverlap},
		{"last byte", 0x2fff, 0x1000, ErrOverlap},
		{"zero size", 0x8000, 0, ErrInvalidRange},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ix := NewIndex(1)
			mustRegister(t, ix, "dev0", 0x2000, 0x1000)
			err := ix.Register(&Region{Name: "dev1", Base: tc.base, Size: tc.size, Handler: &testHandler{}})
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Register([%#x,+%#x)) = %v, want %v", tc.base, tc.size, err, tc.wantErr)
			}
		})
	}
}

func TestRegisterWrappingRange(t *testing.T) {
	ix := NewIndex(1)
	err := ix.Register(&Region{Name: "wrap", Base: ^Addr(0) - 0xfff, Size: 0x2000, Handler: &testHandler{}})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Register(wrapping) = %v, want ErrInvalidRange", err)
	}
}

func TestFallbackIndependentOfPrimary(t *testing.T) {
	ix := NewIndex(1)
	mustRegister(t, ix, "primary", 0x1000, 0x1000)

	// The fallback collection has its own overlap namespace: a window
	// shadowing the primary one is legal there.
	catchall := &Region{Name: "catchall", Base: 0, Size: 1 << 32, Handler: &testHandler{}}
	if err := ix.RegisterFallback(catchall); err != nil {
		t.Fatalf("RegisterFallback: %v", err)
	}
	if err := ix.RegisterFallback(&Region{Name: "dup", Base: 0x100, Size: 0x10, Handler: &testHandler{}}); !errors.Is(err, ErrOverlap) {
		t.Errorf("overlapping fallback registration = %v, want ErrOverlap", err)
	}

	// Primary wins where it covers; fallback catches the rest.
	r, err := ix.Lookup(0, 0x1800)
	if err != nil || r.Name != "primary" {
		t.Errorf("Lookup(0x1800) = %v, %v; want primary", r, err)
	}
	r, err = ix.Lookup(0, 0x8000)
	if err != nil || r.Name != "catchall" {
		t.Errorf("Lookup(0x8000) = %v, %v; want catchall", r, err)
	}
}

func TestLookupMiss(t *testing.T) {
	ix := NewIndex(1)
	mustRegister(t, ix, "dev", 0x1000, 0x1000)
	for _, addr := range []Addr{0xfff, 0x2000, 0} {
		if _, err := ix.Lookup(0, addr); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%#x) = %v, want ErrNotFound", addr, err)
		}
	}
}

func TestUnregister(t *testing.T) {
	ix := NewIndex(1)
	mustRegister(t, ix, "dev", 0x1000, 0x1000)

	if err := ix.Unregister("dev", 0x2000, 0x1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("Unregister(wrong base) = %v, want ErrNotFound", err)
	}
	if err := ix.Unregister("other", 0x1000, 0x1000); !errors.Is(err, ErrMismatch) {
		t.Errorf("Unregister(wrong name) = %v, want ErrMismatch", err)
	}
	if err := ix.Unregister("dev", 0x1000, 0x800); !errors.Is(err, ErrMismatch) {
		t.Errorf("Unregister(wrong size) = %v, want ErrMismatch", err)
	}
	if err := ix.Unregister("dev", 0x1000, 0x1000); err != nil {
		t.Errorf("Unregister = %v", err)
	}
	if _, err := ix.Lookup(0, 0x1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after Unregister = %v, want ErrNotFound", err)
	}
}

func TestUnregisterImmutable(t *testing.T) {
	ix := NewIndex(1)
	r := &Region{Name: "rom", Base: 0x1000, Size: 0x1000, Immutable: true, Handler: &testHandler{}}
	if err := ix.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ix.Unregister("rom", 0x1000, 0x1000); !errors.Is(err, ErrImmutable) {
		t.Errorf("Unregister(immutable) = %v, want ErrImmutable", err)
	}
}

func TestCacheCoherence(t *testing.T) {
	const vcpus = 4
	ix := NewIndex(vcpus)
	mustRegister(t, ix, "dev", 0x1000, 0x1000)

	// Warm every vCPU's cache.
	for vcpu := 0; vcpu < vcpus; vcpu++ {
		if _, err := ix.Lookup(vcpu, 0x1000); err != nil {
			t.Fatalf("Lookup(vcpu %d): %v", vcpu, err)
		}
	}
	if err := ix.Unregister("dev", 0x1000, 0x1000); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	// No vCPU may resolve through a stale cache entry.
	for vcpu := 0; vcpu < vcpus; vcpu++ {
		if r, err := ix.Lookup(vcpu, 0x1000); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(vcpu %d) after Unregister = %v, %v; want ErrNotFound", vcpu, r, err)
		}
	}

	// A fresh registration over the same range must be the one
	// resolved, not the old node.
	fresh := mustRegister(t, ix, "dev2", 0x1000, 0x1000)
	for vcpu := 0; vcpu < vcpus; vcpu++ {
		if r, err := ix.Lookup(vcpu, 0x1800); err != nil || r != fresh {
			t.Errorf("Lookup(vcpu %d) = %v, %v; want fresh region", vcpu, r, err)
		}
	}
}

func TestDispatchReadWrite(t *testing.T) {
	ix := NewIndex(1)
	h := &testHandler{val: 0xabcd}
	if err := ix.Register(&Region{Name: "dev", Base: 0x1000, Size: 0x100, Handler: h}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var data uint64
	if err := ix.Dispatch(0, 0x1004, Access{Size: 4, Data: &data}); err != nil {
		t.Fatalf("Dispatch(read): %v", err)
	}
	if data != 0xabcd {
		t.Errorf("read data = %#x, want 0xabcd", data)
	}

	data = 0x1234
	if err := ix.Dispatch(0, 0x1004, Access{IsWrite: true, Size: 4, Data: &data}); err != nil {
		t.Fatalf("Dispatch(write): %v", err)
	}
	if h.val != 0x1234 {
		t.Errorf("handler value = %#x, want 0x1234", h.val)
	}

	if err := ix.Dispatch(0, 0x2000, Access{Size: 4, Data: &data}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Dispatch(miss) = %v, want ErrNotFound", err)
	}
}

// reentrantHandler registers a new region from inside its own handler,
// the way a config-space write that programs a BAR does.
type reentrantHandler struct {
	ix *Index
}

func (h *reentrantHandler) ReadAt(vcpu int, addr Addr, size uint) (uint64, error) {
	return 0, nil
}

func (h *reentrantHandler) WriteAt(vcpu int, addr Addr, size uint, val uint64) error {
	return h.ix.Register(&Region{
		Name:    fmt.Sprintf("bar%#x", val),
		Base:    Addr(val),
		Size:    0x1000,
		Handler: &testHandler{},
	})
}

func TestDispatchImmutableReentry(t *testing.T) {
	ix := NewIndex(1)
	err := ix.Register(&Region{
		Name:      "cfg",
		Base:      0xcf8,
		Size:      8,
		Immutable: true,
		Handler:   &reentrantHandler{ix: ix},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The handler re-enters Register; this must not deadlock because
	// the registry lock is dropped before immutable handlers run.
	data := uint64(0xe0000000)
	if err := ix.Dispatch(0, 0xcf8, Access{IsWrite: true, Size: 4, Data: &data}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if r, err := ix.Lookup(0, 0xe0000000); err != nil || r.Name != "bar0xe0000000" {
		t.Errorf("Lookup(new BAR) = %v, %v", r, err)
	}
}

func TestConcurrentLookupAndRegister(t *testing.T) {
	const vcpus = 4
	ix := NewIndex(vcpus)
	mustRegister(t, ix, "stable", 0x10000, 0x1000)

	var wg sync.WaitGroup
	for vcpu := 0; vcpu < vcpus; vcpu++ {
		wg.Add(1)
		go func(vcpu int) {
			defer wg.Done()
			var data uint64
			for i := 0; i < 1000; i++ {
				if err := ix.Dispatch(vcpu, 0x10000+Addr(i%0x1000), Access{Size: 1, Data: &data}); err != nil {
					t.Errorf("vcpu %d: Dispatch: %v", vcpu, err)
					return
				}
			}
		}(vcpu)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			base := Addr(0x100000 + i*0x1000)
			if err := ix.Register(&Region{Name: "churn", Base: base, Size: 0x1000, Handler: &testHandler{}}); err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			if err := ix.Unregister("churn", base, 0x1000); err != nil {
				t.Errorf("Unregister: %v", err)
				return
			}
		}
	}()
	wg.Wait()
}
