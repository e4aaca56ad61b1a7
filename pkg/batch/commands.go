// Copyright 2024 Intel Corporation. All Rights Reserved.
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

package batch

import (
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
)

const (
	MINoop           uint32 = 0
	MIBatchBufferEnd uint32 = 0xa << 23

	miStoreRegisterMem uint32 = 0x24<<23 | 1

	copyBltCmd    uint32 = 2<<29 | 0x53<<22 | 0x6
	BltWriteAlpha uint32 = 1 << 21
	BltWriteRGB   uint32 = 1 << 20

	// 32bpp, ROP copy
	bltDepth32  uint32 = 1<<25 | 1<<24
	bltRopCopy  uint32 = 0xcc << 16
	bltMaxPitch        = 0xffff
)

const (
	clientMI  = 0
	client2D  = 2
	client3D  = 3
	miOpShort = 0x10
)

// StoreRegisterMem emits MI_STORE_REGISTER_MEM copying register reg into
// target at delta. No write domain is declared, the value is only read back
// by the CPU.
func (b *Builder) StoreRegisterMem(reg uint32, target gem.Handle, delta uint32) {
	cmd := miStoreRegisterMem
	if b.profile.Has64BitReloc {
		cmd++
	}

	b.EmitWord(cmd, reg)
	b.EmitAddress(target, delta, gem.DomainInstruction, 0)
}

// XYSrcCopy emits an XY_SRC_COPY_BLT of a width x height 32bpp rectangle from
// src to dst, both starting at their origin.
func (b *Builder) XYSrcCopy(dst, src gem.Handle, width, height, dstPitch, srcPitch uint32) error {
	if dstPitch > bltMaxPitch || srcPitch > bltMaxPitch {
		return errors.Errorf("blit pitch %d/%d exceeds %d", dstPitch, srcPitch, bltMaxPitch)
	}

	cmd := copyBltCmd | BltWriteAlpha | BltWriteRGB
	if b.profile.Has64BitReloc {
		cmd += 2
	}

	b.EmitWord(cmd, bltRopCopy|bltDepth32|dstPitch, 0, height<<16|width)
	b.EmitAddress(dst, 0, gem.DomainRender, gem.DomainRender)
	b.EmitWord(0, srcPitch)
	b.EmitAddress(src, 0, gem.DomainRender, 0)

	return nil
}

// CommandLength returns the length in dwords of the command starting with
// header word w.
func CommandLength(w uint32) (int, error) {
	switch w >> 29 {
	case clientMI:
		if (w>>23)&0x3f < miOpShort {
			return 1, nil
		}

		return int(w&0x3f) + 2, nil
	case client2D:
		return int(w&0xff) + 2, nil
	case client3D:
		return int(w&0xffff) + 2, nil
	}

	return 0, errors.Errorf("unknown command client in %#08x", w)
}

// IsStoreRegisterMem reports whether w is an MI_STORE_REGISTER_MEM header.
func IsStoreRegisterMem(w uint32) bool {
	return w>>29 == clientMI && (w>>23)&0x3f == 0x24
}

// IsXYSrcCopy reports whether w is an XY_SRC_COPY_BLT header.
func IsXYSrcCopy(w uint32) bool {
	return w>>29 == client2D && (w>>22)&0x7f == 0x53
}
