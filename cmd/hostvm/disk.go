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
)

// diskCmd implements subcommands.Command for the "disk" command.
type diskCmd struct {
	queues bool
}

// Name implements subcommands.Command.Name.
func (*diskCmd) Name() string {
	return "disk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*diskCmd) Synopsis() string {
	return "print a disk backend's properties"
}

// Usage implements subcommands.Command.Usage.
func (*diskCmd) Usage() string {
	return `disk <spec>

Where "<spec>" is a backend path with comma-separated options, e.g.
"/var/img/root.img,direct,sectorsize=4096". The backend is opened
read-only.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *diskCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.queues, "queues", false, "also dump the request queues")
}

// Execute implements subcommands.Command.Execute.
func (d *diskCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	bc, err := blockio.Open(f.Arg(0)+",ro", "disk")
	if err != nil {
		fmt.Fprintf(os.Stderr, "disk: %v\n", err)
		return subcommands.ExitFailure
	}
	defer bc.Close()

	pss, pso := bc.PhysicalSectorSize()
	c, h, s := bc.CHS()
	fmt.Printf("size:            %d\n", bc.Size())
	fmt.Printf("sector size:     %d\n", bc.SectorSize())
	fmt.Printf("physical sector: %d (offset %d)\n", pss, pso)
	fmt.Printf("queue depth:     %d\n", bc.QueueDepth())
	fmt.Printf("read-only:       %v\n", bc.IsReadOnly())
	fmt.Printf("can delete:      %v\n", bc.CanDelete())
	fmt.Printf("geometry:        %d cylinders, %d heads, %d sectors/track\n", c, h, s)
	if d.queues {
		bc.DumpQueues(os.Stdout)
	}
	return subcommands.ExitSuccess
}
