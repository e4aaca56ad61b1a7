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

// Package gem describes the GEM buffer-object and command submission surface
// of an i915 device as a capability set, independent of how it is backed.
package gem

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Handle is a process-local buffer object handle.
type Handle uint32

// ContextID names a hardware execution context, 0 is the default context.
type ContextID uint32

const DefaultContext ContextID = 0

// Domain is a bitmask of i915 memory domains.
type Domain uint32

const (
	DomainCPU         Domain = 0x00000001
	DomainRender      Domain = 0x00000002
	DomainSampler     Domain = 0x00000004
	DomainCommand     Domain = 0x00000008
	DomainInstruction Domain = 0x00000010
	DomainVertex      Domain = 0x00000020
	DomainGTT         Domain = 0x00000040
	DomainWC          Domain = 0x00000080
)

// Engine is the ring selector part of the execbuffer flags.
type Engine uint64

const (
	EngineDefault Engine = 0
	EngineRender  Engine = 1
	EngineBSD     Engine = 2
	EngineBLT     Engine = 3
	EngineVEBox   Engine = 4

	engineRingMask Engine = 0x3f

	bsdShift              = 13
	EngineBSDRing1 Engine = 1 << bsdShift
	EngineBSDRing2 Engine = 2 << bsdShift
	engineBSDMask  Engine = 3 << bsdShift

	// EngineMask covers every bit of the flags word that selects an engine.
	EngineMask = engineRingMask | engineBSDMask
)

// Ring returns the ring selector without the BSD instance bits.
func (e Engine) Ring() Engine {
	return e & engineRingMask
}

var engineNames = map[Engine]string{
	EngineDefault: "default",
	EngineRender:  "render",
	EngineBSD:     "bsd",
	EngineBLT:     "blt",
	EngineVEBox:   "vebox",
}

func (e Engine) String() string {
	name, ok := engineNames[e.Ring()]
	if !ok {
		return fmt.Sprintf("engine(%#x)", uint64(e))
	}

	switch e & engineBSDMask {
	case EngineBSDRing1:
		return name + "1"
	case EngineBSDRing2:
		return name + "2"
	}

	return name
}

// ParseEngine accepts the names printed by Engine.String.
func ParseEngine(name string) (Engine, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	for e, n := range engineNames {
		switch name {
		case n:
			return e, nil
		case n + "1":
			if e == EngineBSD {
				return e | EngineBSDRing1, nil
			}
		case n + "2":
			if e == EngineBSD {
				return e | EngineBSDRing2, nil
			}
		}
	}

	return 0, errors.Errorf("unknown engine %q", name)
}

// ExecFlags are the non-engine execbuffer flags.
type ExecFlags uint64

const (
	// ExecNoReloc tells the kernel the presumed offsets are valid and only
	// objects that moved need relocation processing.
	ExecNoReloc ExecFlags = 1 << 11
	// ExecHandleLUT makes relocation targets indices into the object list.
	ExecHandleLUT ExecFlags = 1 << 12

	// FastPathFlags are the optimistic submission flags an older kernel or
	// generation may refuse.
	FastPathFlags = ExecNoReloc | ExecHandleLUT
)

func (f ExecFlags) String() string {
	var parts []string

	if f&ExecNoReloc != 0 {
		parts = append(parts, "NO_RELOC")
	}

	if f&ExecHandleLUT != 0 {
		parts = append(parts, "HANDLE_LUT")
	}

	if rest := f &^ FastPathFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(rest)))
	}

	if len(parts) == 0 {
		return "0"
	}

	return strings.Join(parts, "|")
}
