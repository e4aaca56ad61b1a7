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
	"k8s.io/apimachinery/pkg/util/sets"
)

// I915_GETPARAM identifiers.
const (
	ParamChipsetID        int32 = 4
	ParamHasBSD           int32 = 10
	ParamHasBLT           int32 = 11
	ParamHasLLC           int32 = 17
	ParamHasWaitTimeout   int32 = 19
	ParamHasVEBox         int32 = 22
	ParamHasExecNoReloc   int32 = 25
	ParamHasExecHandleLUT int32 = 26
	ParamHasBSD2          int32 = 31
)

const (
	// TimestampTickNs is the command streamer timestamp period the reports
	// are scaled with.
	TimestampTickNs = 80.0
	// TimestampTickNsGen9 is the real period of gen9+ parts (12 MHz).
	TimestampTickNsGen9 = 1000.0 / 12.0

	ringTimestamp = 0x358
)

// Ring MMIO bases.
const (
	RenderRingBase = 0x02000
	BSDRingBase    = 0x12000
	BLTRingBase    = 0x22000
	VEBoxRingBase  = 0x1a000
	// BSD2RingBase is the second video engine, gen8 and later.
	BSD2RingBase = 0x1c000
)

// EngineInfo describes one engine a device exposes.
type EngineInfo struct {
	Name string
	Flag Engine
	// TimestampReg is the MMIO offset of the engine's RING_TIMESTAMP.
	TimestampReg uint32
}

// Capabilities are the feature bits a profile is built from.
type Capabilities struct {
	HasBSD           bool
	HasBSD2          bool
	HasBLT           bool
	HasVEBox         bool
	HasLLC           bool
	HasWaitTimeout   bool
	HasExecNoReloc   bool
	HasExecHandleLUT bool
}

// Profile is everything generation dependent, resolved once per process and
// handed to whoever builds or submits commands.
type Profile struct {
	Engines map[string]EngineInfo
	Capabilities
	Gen      int
	DeviceID uint16
	// Has64BitReloc selects 2-dword graphics addresses (gen8+).
	Has64BitReloc bool
	// TimestampTick is the hardware timestamp period in ns.
	TimestampTick float64
}

// NewProfile derives the profile for a generation and capability set.
func NewProfile(gen int, deviceID uint16, caps Capabilities) Profile {
	p := Profile{
		Gen:           gen,
		DeviceID:      deviceID,
		Capabilities:  caps,
		Has64BitReloc: gen >= 8,
		TimestampTick: TimestampTickNs,
		Engines:       map[string]EngineInfo{},
	}

	if gen >= 9 {
		p.TimestampTick = TimestampTickNsGen9
	}

	p.Engines["render"] = EngineInfo{Name: "render", Flag: EngineRender, TimestampReg: RenderRingBase + ringTimestamp}

	if caps.HasBSD {
		p.Engines["bsd"] = EngineInfo{Name: "bsd", Flag: EngineBSD, TimestampReg: BSDRingBase + ringTimestamp}
	}

	if caps.HasBSD2 {
		p.Engines["bsd1"] = EngineInfo{Name: "bsd1", Flag: EngineBSD | EngineBSDRing1, TimestampReg: BSDRingBase + ringTimestamp}
		p.Engines["bsd2"] = EngineInfo{Name: "bsd2", Flag: EngineBSD | EngineBSDRing2, TimestampReg: BSD2RingBase + ringTimestamp}
	}

	if caps.HasBLT {
		p.Engines["blt"] = EngineInfo{Name: "blt", Flag: EngineBLT, TimestampReg: BLTRingBase + ringTimestamp}
	}

	if caps.HasVEBox {
		p.Engines["vebox"] = EngineInfo{Name: "vebox", Flag: EngineVEBox, TimestampReg: VEBoxRingBase + ringTimestamp}
	}

	return p
}

// AddressWords is the number of dwords a graphics address occupies.
func (p Profile) AddressWords() int {
	if p.Has64BitReloc {
		return 2
	}

	return 1
}

// Engine looks an engine up by name.
func (p Profile) Engine(name string) (EngineInfo, error) {
	info, ok := p.Engines[name]
	if !ok {
		return EngineInfo{}, errors.Errorf("engine %q not available on gen%d (have %v)", name, p.Gen, p.EngineNames())
	}

	return info, nil
}

// EngineNames returns the sorted engine names.
func (p Profile) EngineNames() []string {
	return sets.List(sets.KeySet(p.Engines))
}

// SubmissionEngines returns the engines a spinner should cycle through: the
// default ring is never listed, and the plain BSD selector is skipped when
// the two BSD instances are addressable separately.
func (p Profile) SubmissionEngines() []EngineInfo {
	var out []EngineInfo

	for _, name := range p.EngineNames() {
		info := p.Engines[name]
		if info.Flag == EngineDefault {
			continue
		}

		if p.HasBSD2 && info.Flag == EngineBSD {
			continue
		}

		out = append(out, info)
	}

	return out
}

// HasEngine reports whether the ring selector is valid for the profile.
func (p Profile) HasEngine(e Engine) bool {
	if e == EngineDefault {
		return true
	}

	for _, info := range p.Engines {
		if info.Flag == e {
			return true
		}
	}

	return false
}
