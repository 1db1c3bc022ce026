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

package blockio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// makeAlignedBuffer returns a buffer of the given size whose base
// address is aligned to align bytes, as O_DIRECT I/O requires.
func makeAlignedBuffer(size, align int) []byte {
	buf := make([]byte, size+align)
	off := 0
	if r := int(uintptr(unsafe.Pointer(&buf[0])) & uintptr(align-1)); r != 0 {
		off = align - r
	}
	return buf[off : off+size]
}

// ioctlDiscard drops the byte range [offset, offset+length) from a
// block device.
func ioctlDiscard(fd int, offset, length int64) error {
	rng := [2]uint64{uint64(offset), uint64(length)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKDISCARD, uintptr(unsafe.Pointer(&rng[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
