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

import "fmt"

// ExitCode classifies a VM exit.
type ExitCode int

const (
	// ExitInout is an I/O port access.
	ExitInout ExitCode = iota
	// ExitPaging is a nested page fault on an emulated address.
	ExitPaging
	// ExitInstEmul is a memory access requiring instruction emulation.
	ExitInstEmul
	// ExitHlt reports the guest executing HLT with interrupts enabled.
	ExitHlt
	// ExitMtrap is a monitor trap completion.
	ExitMtrap
	// ExitPause reports an exiting PAUSE instruction.
	ExitPause
	// ExitSuspended reports that the VM is suspending.
	ExitSuspended
	// ExitRendezvous directs the vCPU to a pending rendezvous barrier.
	ExitRendezvous
	// ExitSpinupAP asks for an application processor to be started.
	ExitSpinupAP
	// ExitBogus is a spurious exit that only needs resumption.
	ExitBogus
	// ExitReqIdle asks the vCPU to go idle.
	ExitReqIdle
	// ExitDebug is a debugger-induced exit.
	ExitDebug
)

// String implements fmt.Stringer.
func (c ExitCode) String() string {
	switch c {
	case ExitInout:
		return "inout"
	case ExitPaging:
		return "paging"
	case ExitInstEmul:
		return "instemul"
	case ExitHlt:
		return "hlt"
	case ExitMtrap:
		return "mtrap"
	case ExitPause:
		return "pause"
	case ExitSuspended:
		return "suspended"
	case ExitRendezvous:
		return "rendezvous"
	case ExitSpinupAP:
		return "spinup-ap"
	case ExitBogus:
		return "bogus"
	case ExitReqIdle:
		return "reqidle"
	case ExitDebug:
		return "debug"
	}
	return fmt.Sprintf("exitcode(%d)", int(c))
}

// Exit is one VM-exit record, produced fresh by the hardware execution
// engine on every Run call and owned by the dispatcher only for the
// duration of exit handling.
type Exit interface {
	Code() ExitCode
}

// InoutExit is an I/O port access awaiting emulation.
type InoutExit struct {
	// Port is the I/O port number.
	Port uint16

	// Bytes is the access width (1, 2 or 4).
	Bytes uint

	// In distinguishes port reads from port writes.
	In bool

	// Data supplies the value for OUT and receives the value for IN.
	Data *uint64
}

// Code implements Exit.Code.
func (*InoutExit) Code() ExitCode { return ExitInout }

// PagingExit is a nested page fault the engine has resolved into a
// simple memory access on an unbacked guest-physical address.
type PagingExit struct {
	// GPA is the faulting guest-physical address.
	GPA uint64

	// IsWrite distinguishes stores from loads.
	IsWrite bool

	// Size is the access width in bytes.
	Size uint

	// Data supplies the store value, or receives the load result.
	Data *uint64
}

// Code implements Exit.Code.
func (*PagingExit) Code() ExitCode { return ExitPaging }

// InstEmulExit is a memory access decoded by the engine's instruction
// emulator; the dispatch core itself never decodes instruction bytes.
type InstEmulExit struct {
	// GPA is the accessed guest-physical address.
	GPA uint64

	// IsWrite distinguishes stores from loads.
	IsWrite bool

	// Size is the access width in bytes.
	Size uint

	// Data supplies the store value, or receives the load result.
	Data *uint64

	// Inst holds the raw instruction bytes, for diagnostics.
	Inst []byte
}

// Code implements Exit.Code.
func (*InstEmulExit) Code() ExitCode { return ExitInstEmul }

// SuspendReason says why a VM is suspending.
type SuspendReason int

const (
	// SuspendReset is a guest-requested reset.
	SuspendReset SuspendReason = iota
	// SuspendPoweroff is a guest-requested power-off.
	SuspendPoweroff
	// SuspendHalt reports all vCPUs halted.
	SuspendHalt
	// SuspendTripleFault is an unrecoverable guest fault.
	SuspendTripleFault
)

// String implements fmt.Stringer.
func (r SuspendReason) String() string {
	switch r {
	case SuspendReset:
		return "reset"
	case SuspendPoweroff:
		return "poweroff"
	case SuspendHalt:
		return "halt"
	case SuspendTripleFault:
		return "triple-fault"
	}
	return fmt.Sprintf("suspend(%d)", int(r))
}

// SuspendExit reports that the VM is suspending; it is terminal for the
// vCPU's dispatch loop.
type SuspendExit struct {
	Reason SuspendReason
}

// Code implements Exit.Code.
func (*SuspendExit) Code() ExitCode { return ExitSuspended }

// RendezvousExit directs the vCPU to the machine's pending rendezvous.
type RendezvousExit struct{}

// Code implements Exit.Code.
func (*RendezvousExit) Code() ExitCode { return ExitRendezvous }

// BogusExit is a spurious exit; the dispatcher resumes immediately.
type BogusExit struct{}

// Code implements Exit.Code.
func (*BogusExit) Code() ExitCode { return ExitBogus }

// DeviceExit carries any exit code the dispatch core does not interpret
// itself (HLT, MTRAP, AP spin-up and friends); it is handed to the
// machine's exit handler unmodified.
type DeviceExit struct {
	// C is the device-specific exit code.
	C ExitCode

	// Payload is engine-specific exit detail, opaque to the core.
	Payload any
}

// Code implements Exit.Code.
func (e *DeviceExit) Code() ExitCode { return e.C }
