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

// Package batch assembles relocatable i915 batch buffers.
//
// A Builder appends 32-bit command words to a growable byte slice and records
// a relocation for every address operand it emits. Relocation offsets are
// indices into that slice, never pointers, so a builder and its output can be
// copied and reused freely.
package batch

import (
	"encoding/binary"

	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
)

const dwordSize = 4

// EncodeAddressOperand returns how many dwords an address operand takes.
func EncodeAddressOperand(is64bit bool) int {
	if is64bit {
		return 2
	}

	return 1
}

// PatchAddress writes addr as an address operand at byte offset off of buf.
func PatchAddress(buf []byte, off uint64, addr uint64, is64bit bool) error {
	size := uint64(EncodeAddressOperand(is64bit) * dwordSize)
	if off%dwordSize != 0 || off+size > uint64(len(buf)) {
		return errors.Errorf("address operand at %d does not fit a %d byte batch", off, len(buf))
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(addr))

	if is64bit {
		binary.LittleEndian.PutUint32(buf[off+dwordSize:], uint32(addr>>32))
	}

	return nil
}

// AddressField is the byte range an address operand occupies.
type AddressField struct {
	Offset uint64
	Words  int
}

// Contains reports whether byte offset off lies inside the field.
func (f AddressField) Contains(off uint64) bool {
	return off >= f.Offset && off < f.Offset+uint64(f.Words*dwordSize)
}

// Builder accumulates one batch buffer.
type Builder struct {
	buf     []byte
	relocs  []gem.Relocation
	fields  []AddressField
	profile gem.Profile
	ended   bool
}

// NewBuilder starts an empty batch for the given generation profile.
func NewBuilder(profile gem.Profile) *Builder {
	return &Builder{
		profile: profile,
		buf:     make([]byte, 0, 64),
	}
}

// Offset returns the byte offset the next word lands at.
func (b *Builder) Offset() uint64 {
	return uint64(len(b.buf))
}

// Len returns the current length in bytes.
func (b *Builder) Len() int {
	return len(b.buf)
}

// EmitWord appends command words.
func (b *Builder) EmitWord(words ...uint32) {
	for _, w := range words {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, w)
	}
}

// EmitAddress reserves an address operand for target+delta and records the
// relocation that fills it in. The placeholder holds delta, the value for a
// presumed offset of zero.
func (b *Builder) EmitAddress(target gem.Handle, delta uint32, read, write gem.Domain) {
	words := EncodeAddressOperand(b.profile.Has64BitReloc)
	off := b.Offset()

	b.relocs = append(b.relocs, gem.Relocation{
		TargetHandle: target,
		Delta:        delta,
		Offset:       off,
		ReadDomains:  read,
		WriteDomain:  write,
	})
	b.fields = append(b.fields, AddressField{Offset: off, Words: words})

	b.EmitWord(delta)

	if words == 2 {
		b.EmitWord(0)
	}
}

// End terminates the batch with MI_BATCH_BUFFER_END, pads it to a qword and
// returns the length in bytes. Calling End again is a no-op.
func (b *Builder) End() int {
	if b.ended {
		return len(b.buf)
	}

	b.EmitWord(MIBatchBufferEnd)

	if len(b.buf)%(2*dwordSize) != 0 {
		b.EmitWord(MINoop)
	}

	b.ended = true

	return len(b.buf)
}

// Bytes returns the batch contents. The slice aliases the builder.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Relocations returns a copy of the recorded relocations.
func (b *Builder) Relocations() []gem.Relocation {
	return append([]gem.Relocation(nil), b.relocs...)
}

// AddressFields returns the address operands emitted so far.
func (b *Builder) AddressFields() []AddressField {
	return append([]AddressField(nil), b.fields...)
}

// Word returns the dword at index i.
func (b *Builder) Word(i int) uint32 {
	return binary.LittleEndian.Uint32(b.buf[i*dwordSize:])
}

// Upload writes the finished batch into a buffer object.
func (b *Builder) Upload(dev gem.Device, h gem.Handle) error {
	if !b.ended {
		return errors.New("batch not terminated")
	}

	return dev.Write(h, 0, b.buf)
}

// Request returns a request executing the batch from bo, listing others
// ahead of it. The request carries its own copy of the contents.
func (b *Builder) Request(bo gem.Handle, others ...gem.Handle) gem.ExecRequest {
	objs := make([]gem.ExecObject, 0, len(others)+1)
	for _, h := range others {
		objs = append(objs, gem.ExecObject{Handle: h})
	}

	objs = append(objs, gem.ExecObject{Handle: bo, Relocations: b.Relocations()})

	return gem.ExecRequest{
		Objects:  objs,
		Batch:    append([]byte(nil), b.buf...),
		BatchLen: uint32(len(b.buf)),
	}
}
