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

// Package vmm implements the per-vCPU dispatch loop of a hosted virtual
// machine monitor. A Machine owns one MMIO and one port-I/O region
// index, drives an Engine (the hardware execution capability) through
// run/exit cycles, and routes every exit to the registry, to the
// rendezvous barrier, or to the machine's device exit handler.
package vmm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"hostvm.dev/hostvm/pkg/memio"
)

var log = logrus.WithField("source", "vmm")

var (
	// ErrAborted reports a vCPU dispatch loop terminated by an
	// unhandleable exit. The vCPU is frozen; the VM is unusable.
	ErrAborted = errors.New("vmm: vcpu aborted")

	// ErrVCPUActive is returned by RunVCPU for a vCPU whose loop is
	// already running or has already terminated.
	ErrVCPUActive = errors.New("vmm: vcpu not idle")

	// ErrBadVector is returned by InjectException for a vector outside
	// the architectural exception range.
	ErrBadVector = errors.New("vmm: exception vector out of range")
)

// vCPU loop states. Transitions are owned by the loop itself; other
// goroutines only observe.
const (
	stateIdle uint32 = iota
	stateRunning
	stateExited
	stateSuspended
	stateFrozen
)

func stateName(s uint32) string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateExited:
		return "exited"
	case stateSuspended:
		return "suspended"
	case stateFrozen:
		return "frozen"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Disposition is an exit handler's verdict.
type Disposition int

const (
	// DispContinue resumes guest execution.
	DispContinue Disposition = iota
	// DispAbort freezes the vCPU and terminates its loop.
	DispAbort
)

// ExitHandler consumes the exit codes the dispatch core does not
// interpret itself. It runs on the vCPU's loop goroutine with no
// machine locks held, so it may re-enter the region registry.
type ExitHandler interface {
	HandleExit(vcpu int, exit Exit) Disposition
}

type vcpu struct {
	id    int
	state atomic.Uint32
}

// Options configures a Machine.
type Options struct {
	// VCPUs is the vCPU count; ids run [0, VCPUs).
	VCPUs int

	// Engine is the hardware execution capability. Required.
	Engine Engine

	// Handler consumes device-specific exits. A machine without a
	// handler aborts on the first such exit.
	Handler ExitHandler

	// OnSuspend, if set, is invoked exactly once with the reason of
	// the first suspend exit any vCPU observes.
	OnSuspend func(SuspendReason)
}

// Machine is one virtual machine's dispatch state: the region indexes,
// the vCPU loop states and the rendezvous barrier. All methods are safe
// for concurrent use.
type Machine struct {
	engine    Engine
	mmio      *memio.Index
	pio       *memio.Index
	vcpus     []*vcpu
	handler   ExitHandler
	onSuspend func(SuspendReason)

	suspendOnce sync.Once

	rdv rendezvous
}

// New builds a Machine. The region indexes start empty; device models
// register against MMIO() and PIO() before the vCPU loops start.
func New(opts Options) (*Machine, error) {
	if opts.VCPUs <= 0 {
		return nil, fmt.Errorf("vmm: invalid vcpu count %d", opts.VCPUs)
	}
	if opts.Engine == nil {
		return nil, errors.New("vmm: nil engine")
	}
	m := &Machine{
		engine:    opts.Engine,
		mmio:      memio.NewIndex(opts.VCPUs),
		pio:       memio.NewIndex(opts.VCPUs),
		vcpus:     make([]*vcpu, opts.VCPUs),
		handler:   opts.Handler,
		onSuspend: opts.OnSuspend,
	}
	for i := range m.vcpus {
		m.vcpus[i] = &vcpu{id: i}
	}
	m.rdv.init(m)
	return m, nil
}

// MMIO returns the memory-mapped I/O region index.
func (m *Machine) MMIO() *memio.Index { return m.mmio }

// PIO returns the port I/O region index.
func (m *Machine) PIO() *memio.Index { return m.pio }

// NumVCPUs returns the configured vCPU count.
func (m *Machine) NumVCPUs() int { return len(m.vcpus) }

// InjectException queues an architectural exception on the vCPU. The
// vector must lie in the architectural range [0, 32).
func (m *Machine) InjectException(id int, vector uint8, errcodeValid bool, errcode uint32) error {
	if id < 0 || id >= len(m.vcpus) {
		return fmt.Errorf("vmm: invalid vcpu %d", id)
	}
	if vector >= 32 {
		return fmt.Errorf("%w: %d", ErrBadVector, vector)
	}
	return m.engine.InjectException(id, vector, errcodeValid, errcode)
}

// RunVCPU drives vCPU id's dispatch loop starting at entry. It blocks
// until the VM suspends, returning nil, or until the vCPU aborts,
// returning the fatal error. Each vCPU's loop may be started once.
func (m *Machine) RunVCPU(id int, entry uint64) error {
	if id < 0 || id >= len(m.vcpus) {
		return fmt.Errorf("vmm: invalid vcpu %d", id)
	}
	c := m.vcpus[id]
	if !c.state.CompareAndSwap(stateIdle, stateRunning) {
		return ErrVCPUActive
	}
	if err := m.engine.SetRegister(id, RegRIP, entry); err != nil {
		c.state.Store(stateFrozen)
		return fmt.Errorf("vmm: vcpu %d: set entry point: %w", id, err)
	}
	return m.loop(c)
}

func (m *Machine) loop(c *vcpu) error {
	retried := false
	for {
		c.state.Store(stateRunning)
		exit, err := m.engine.Run(c.id)
		if err != nil {
			if errors.Is(err, ErrRetry) && !retried {
				retried = true
				continue
			}
			c.state.Store(stateFrozen)
			return fmt.Errorf("vmm: vcpu %d: run: %w", c.id, err)
		}
		retried = false
		c.state.Store(stateExited)

		switch e := exit.(type) {
		case *InoutExit:
			acc := memio.Access{IsWrite: !e.In, Size: e.Bytes, Data: e.Data}
			if err := m.pio.Dispatch(c.id, memio.Addr(e.Port), acc); err != nil {
				return m.abort(c, fmt.Errorf("port 0x%x: %w", e.Port, err))
			}
		case *PagingExit:
			acc := memio.Access{IsWrite: e.IsWrite, Size: e.Size, Data: e.Data}
			if err := m.mmio.Dispatch(c.id, memio.Addr(e.GPA), acc); err != nil {
				return m.abort(c, fmt.Errorf("paging gpa 0x%x: %w", e.GPA, err))
			}
		case *InstEmulExit:
			acc := memio.Access{IsWrite: e.IsWrite, Size: e.Size, Data: e.Data}
			if err := m.mmio.Dispatch(c.id, memio.Addr(e.GPA), acc); err != nil {
				return m.abort(c, fmt.Errorf("mmio gpa 0x%x: %w", e.GPA, err))
			}
		case *RendezvousExit:
			m.rdv.participate(c.id)
		case *SuspendExit:
			c.state.Store(stateSuspended)
			m.suspend(e.Reason)
			return nil
		case *BogusExit:
			// Spurious; just resume.
		default:
			if m.handler == nil || m.handler.HandleExit(c.id, exit) == DispAbort {
				return m.abort(c, fmt.Errorf("unhandled exit %v", exit.Code()))
			}
		}
	}
}

func (m *Machine) abort(c *vcpu, cause error) error {
	c.state.Store(stateFrozen)
	log.WithFields(logrus.Fields{
		"vcpu":  c.id,
		"cause": cause,
	}).Error("vcpu aborted")
	return fmt.Errorf("%w: vcpu %d: %v", ErrAborted, c.id, cause)
}

func (m *Machine) suspend(r SuspendReason) {
	m.suspendOnce.Do(func() {
		log.WithField("reason", r).Info("vm suspending")
		if m.onSuspend != nil {
			m.onSuspend(r)
		}
	})
}
