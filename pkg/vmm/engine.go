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

import "errors"

// ErrRetry is returned by Engine.Run for transient failures; the
// dispatch loop retries the entry exactly once before treating the
// failure as fatal.
var ErrRetry = errors.New("vmm: transient run failure")

// Register names a guest general-purpose or control register.
type Register int

const (
	RegRAX Register = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRBP
	RegRSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegRFLAGS
	RegCR0
	RegCR2
	RegCR3
	RegCR4
	RegEFER
)

// SegReg names a guest segment or descriptor-table register.
type SegReg int

const (
	SegCS SegReg = iota
	SegDS
	SegES
	SegFS
	SegGS
	SegSS
	SegTR
	SegLDTR
	SegGDTR
	SegIDTR
)

// Descriptor is the software view of a segment descriptor.
type Descriptor struct {
	Base   uint64
	Limit  uint32
	Access uint32
}

// Engine is the hardware execution capability the dispatch core drives.
// Implementations wrap a hypervisor interface (KVM, Hypervisor.framework)
// and own guest entry, instruction emulation and event injection.
//
// All methods take the vCPU id; an Engine must tolerate concurrent calls
// for distinct vCPUs. Run blocks in guest context until the next exit.
type Engine interface {
	// Run enters the guest and returns the next exit. A nil error with
	// a non-nil Exit is the normal case; ErrRetry reports a transient
	// entry failure.
	Run(vcpu int) (Exit, error)

	// GetRegister reads a guest register.
	GetRegister(vcpu int, reg Register) (uint64, error)

	// SetRegister writes a guest register.
	SetRegister(vcpu int, reg Register, val uint64) error

	// GetDescriptor reads a guest segment descriptor.
	GetDescriptor(vcpu int, seg SegReg) (Descriptor, error)

	// SetDescriptor writes a guest segment descriptor.
	SetDescriptor(vcpu int, seg SegReg, desc Descriptor) error

	// InjectException queues an exception for delivery on the next
	// guest entry.
	InjectException(vcpu int, vector uint8, errcodeValid bool, errcode uint32) error

	// Interrupt forces the vCPU out of guest context at the earliest
	// opportunity, so a pending rendezvous or suspend is observed.
	Interrupt(vcpu int)
}
