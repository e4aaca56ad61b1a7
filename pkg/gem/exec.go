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

package gem

import (
	"github.com/pkg/errors"
)

// Relocation asks for the address of a target object (plus Delta) to be
// written at byte Offset of the object owning the relocation.
type Relocation struct {
	// TargetHandle is a handle, or an index into the request's object list
	// when the request carries ExecHandleLUT.
	TargetHandle   Handle
	Delta          uint32
	Offset         uint64
	PresumedOffset uint64
	ReadDomains    Domain
	WriteDomain    Domain
}

// ExecObject is one entry of the execbuffer object list.
type ExecObject struct {
	Relocations []Relocation
	Alignment   uint64
	// Offset is the device address. Devices write back the address used by
	// the last successful submission.
	Offset uint64
	Flags  uint64
	Handle Handle
}

// ExecRequest is one submission. The batch is the last object.
type ExecRequest struct {
	Objects []ExecObject
	// Batch is the CPU-side copy of the batch contents. It is needed to
	// resolve relocations in software.
	Batch      []byte
	BatchStart uint32
	BatchLen   uint32
	Engine     Engine
	Flags      ExecFlags
	Context    ContextID
}

// BatchObject returns the object holding the commands.
func (r *ExecRequest) BatchObject() *ExecObject {
	if len(r.Objects) == 0 {
		return nil
	}

	return &r.Objects[len(r.Objects)-1]
}

// RelocationCount returns the total number of relocations.
func (r *ExecRequest) RelocationCount() int {
	n := 0
	for i := range r.Objects {
		n += len(r.Objects[i].Relocations)
	}

	return n
}

// Target returns the object a relocation points at, honouring ExecHandleLUT.
func (r *ExecRequest) Target(reloc *Relocation) (*ExecObject, error) {
	if r.Flags&ExecHandleLUT != 0 {
		idx := int(reloc.TargetHandle)
		if idx >= len(r.Objects) {
			return nil, errors.Wrapf(ErrInvalidRequest, "relocation target index %d outside of %d objects", idx, len(r.Objects))
		}

		return &r.Objects[idx], nil
	}

	for i := range r.Objects {
		if r.Objects[i].Handle == reloc.TargetHandle {
			return &r.Objects[i], nil
		}
	}

	return nil, errors.Wrapf(ErrInvalidRequest, "relocation target handle %d not in object list", reloc.TargetHandle)
}

// UseHandleLUT rewrites every relocation target from a handle to its index in
// the object list and sets ExecHandleLUT. It is a no-op if the flag is set.
func (r *ExecRequest) UseHandleLUT() error {
	if r.Flags&ExecHandleLUT != 0 {
		return nil
	}

	index := make(map[Handle]Handle, len(r.Objects))
	for i := range r.Objects {
		index[r.Objects[i].Handle] = Handle(i)
	}

	for i := range r.Objects {
		for j := range r.Objects[i].Relocations {
			reloc := &r.Objects[i].Relocations[j]

			idx, ok := index[reloc.TargetHandle]
			if !ok {
				return errors.Wrapf(ErrInvalidRequest, "relocation target handle %d not in object list", reloc.TargetHandle)
			}

			reloc.TargetHandle = idx
		}
	}

	r.Flags |= ExecHandleLUT

	return nil
}

// Validate checks the structural rules every device enforces: a batch is
// present, every relocation target is listed, and no handle repeats.
func (r *ExecRequest) Validate() error {
	if len(r.Objects) == 0 {
		return errors.Wrap(ErrInvalidRequest, "no objects")
	}

	seen := make(map[Handle]struct{}, len(r.Objects))

	for i := range r.Objects {
		h := r.Objects[i].Handle
		if h == 0 {
			return errors.Wrapf(ErrInvalidRequest, "object %d has no handle", i)
		}

		if _, dup := seen[h]; dup {
			return errors.Wrapf(ErrInvalidRequest, "handle %d listed twice", h)
		}

		seen[h] = struct{}{}
	}

	for i := range r.Objects {
		for j := range r.Objects[i].Relocations {
			if _, err := r.Target(&r.Objects[i].Relocations[j]); err != nil {
				return err
			}
		}
	}

	return nil
}
