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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"hostvm.dev/hostvm/pkg/blockio"
	"hostvm.dev/hostvm/pkg/vmconfig"
)

// checkCmd implements subcommands.Command for the "check" command.
type checkCmd struct{}

// Name implements subcommands.Command.Name.
func (*checkCmd) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*checkCmd) Synopsis() string {
	return "validate a monitor configuration and probe its disk backends"
}

// Usage implements subcommands.Command.Usage.
func (*checkCmd) Usage() string {
	return `check <config.toml>

Check parses the configuration, validates it, and opens every disk
backend read-only so misconfigurations surface before a VM is started.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*checkCmd) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*checkCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	conf, err := vmconfig.Load(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "check: %v\n", err)
		return subcommands.ExitFailure
	}
	conf.ApplyLog()

	fmt.Printf("vm: %d vcpu(s), %d MiB\n", conf.VM.VCPUs, conf.VM.MemoryMiB)
	ok := true
	for _, d := range conf.Disks {
		// Probe read-only; check must never dirty a backend.
		bc, err := blockio.Open(d.Spec+",ro", d.Ident)
		if err != nil {
			fmt.Fprintf(os.Stderr, "disk %s: %v\n", d.Ident, err)
			ok = false
			continue
		}
		c, h, s := bc.CHS()
		fmt.Printf("disk %s: %d bytes, sector %d, chs %d/%d/%d\n",
			d.Ident, bc.Size(), bc.SectorSize(), c, h, s)
		if err := bc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "disk %s: close: %v\n", d.Ident, err)
			ok = false
		}
	}
	if !ok {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
