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

// CHS returns virtual cylinder/head/sector geometry for the backend,
// using the algorithm from the VHD specification: clamp to the largest
// geometry CHS can express, then escalate sectors-per-track and head
// count until the cylinder count fits in 16 bits.
func (c *Context) CHS() (cylinders uint16, heads uint8, sectorsPerTrack uint8) {
	sectors := c.size / int64(c.sectSz)

	if sectors > 65535*16*255 {
		sectors = 65535 * 16 * 255
	}

	var secpt int64
	var hds int64
	var hcyl int64
	if sectors >= 65536*16*63 {
		secpt = 255
		hds = 16
		hcyl = sectors / secpt
	} else {
		secpt = 17
		hcyl = sectors / secpt
		hds = (hcyl + 1023) / 1024
		if hds < 4 {
			hds = 4
		}
		if hcyl >= hds*1024 || hds > 16 {
			secpt = 31
			hds = 16
			hcyl = sectors / secpt
		}
		if hcyl >= hds*1024 {
			secpt = 63
			hds = 16
			hcyl = sectors / secpt
		}
	}

	return uint16(hcyl / hds), uint8(hds), uint8(secpt)
}
