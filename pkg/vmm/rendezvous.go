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

package vmm

import (
	"errors"
	"math/bits"
	"sync"
)

// CPUSet is a bitmask of vCPU ids.
type CPUSet uint64

// NewCPUSet builds a set from vCPU ids.
func NewCPUSet(ids ...int) CPUSet {
	var s CPUSet
	for _, id := range ids {
		s |= 1 << uint(id)
	}
	return s
}

// AllCPUs is the set of the first n vCPUs.
func AllCPUs(n int) CPUSet {
	if n >= 64 {
		return ^CPUSet(0)
	}
	return CPUSet(1)<<uint(n) - 1
}

// Contains reports whether id is in the set.
func (s CPUSet) Contains(id int) bool { return s&(1<<uint(id)) != 0 }

// Add returns the set with id included.
func (s CPUSet) Add(id int) CPUSet { return s | 1<<uint(id) }

// Count returns the set's population.
func (s CPUSet) Count() int { return bits.OnesCount64(uint64(s)) }

// ErrEmptyTargets is returned by SmpRendezvous for an empty target set.
var ErrEmptyTargets = errors.New("vmm: rendezvous with no targets")

type rendezvousCall struct {
	targets CPUSet
	fn      func(vcpu int)
	entered CPUSet
	done    CPUSet
}

// rendezvous is the machine-wide barrier. At most one call is
// outstanding; initiators of a second call wait for the first.
type rendezvous struct {
	m      *Machine
	mu     sync.Mutex
	cond   sync.Cond
	active *rendezvousCall
}

func (r *rendezvous) init(m *Machine) {
	r.m = m
	r.cond.L = &r.mu
}

// SmpRendezvous runs fn on every vCPU in targets simultaneously: each
// target executes fn and then blocks until all targets have, so no
// target resumes guest execution mid-rendezvous. The call returns once
// the barrier completes.
//
// Targets must be vCPUs whose dispatch loops are running; an idle or
// frozen target never reaches the barrier and the call blocks forever.
// If the initiator is itself a target it participates inline, so
// SmpRendezvous may be called from a device handler during that vCPU's
// own exit handling.
func (m *Machine) SmpRendezvous(initiator int, targets CPUSet, fn func(vcpu int)) error {
	if targets == 0 {
		return ErrEmptyTargets
	}
	r := &m.rdv

	r.mu.Lock()
	for r.active != nil {
		r.cond.Wait()
	}
	call := &rendezvousCall{targets: targets, fn: fn}
	r.active = call
	r.mu.Unlock()

	// Kick the other targets out of guest context.
	for _, c := range m.vcpus {
		if targets.Contains(c.id) && c.id != initiator {
			m.engine.Interrupt(c.id)
		}
	}
	if targets.Contains(initiator) {
		r.participate(initiator)
	}

	r.mu.Lock()
	for r.active == call {
		r.cond.Wait()
	}
	r.mu.Unlock()
	return nil
}

// participate runs the vCPU's side of the active rendezvous, if any.
// Called from the dispatch loop with no locks held; a stale exit with
// no pending call is ignored.
func (r *rendezvous) participate(id int) {
	r.mu.Lock()
	call := r.active
	if call == nil || !call.targets.Contains(id) || call.entered.Contains(id) {
		r.mu.Unlock()
		return
	}
	call.entered = call.entered.Add(id)
	r.mu.Unlock()

	call.fn(id)

	r.mu.Lock()
	call.done = call.done.Add(id)
	if call.done == call.targets {
		r.active = nil
		r.cond.Broadcast()
	} else {
		for r.active == call {
			r.cond.Wait()
		}
	}
	r.mu.Unlock()
}
