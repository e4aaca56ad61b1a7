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

package discovery

import (
	"strconv"
	"strings"

	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MinGeneration is the oldest generation whose copy engine has a readable
// timestamp register.
const MinGeneration = 6

// ErrUnsupported marks devices the benchmarks cannot run on.
var ErrUnsupported = errors.New("unsupported device")

// Generations by the high byte of the PCI device id. Ranges shared by two
// generations are resolved in GenerationFromDeviceID.
var generationByFamily = map[uint16]int{
	// Pre-gen6 parts, no usable copy engine timestamp.
	0x2500: 3,
	0x2700: 3,
	0xa000: 3,
	0x2900: 4,
	0x2a00: 4,
	0x2e00: 4,
	0x0000: 5,
	// SNB, IVB from 0x0150.
	0x0100: 6,
	// HSW and VLV.
	0x0400: 7,
	0x0a00: 7,
	0x0c00: 7,
	0x0d00: 7,
	0x0f00: 7,
	// BDW and CHV.
	0x1600: 8,
	0x2200: 8,
	// SKL, BXT, GLK, KBL, CFL and CML. CNL from 0x5a00 except 0x5a8x.
	0x1900: 9,
	0x1a00: 9,
	0x5a00: 9,
	0x3100: 9,
	0x5900: 9,
	0x3e00: 9,
	0x9b00: 9,
	// ICL, EHL and JSL.
	0x8a00: 11,
	0x4500: 11,
	0x4e00: 11,
	// TGL, RKL, ADL, DG1 and RPL.
	0x9a00: 12,
	0x4c00: 12,
	0x4600: 12,
	0x4900: 12,
	0xa700: 12,
}

// GenerationFromDeviceID maps a PCI device id to a graphics generation.
func GenerationFromDeviceID(id uint16) (int, bool) {
	gen, ok := generationByFamily[id&0xff00]
	if !ok {
		return 0, false
	}

	if id&0xff00 == 0x0100 && id&0xf0 >= 0x50 {
		gen = 7
	}

	// CNL shares 0x5axx with APL's 0x5a84 and 0x5a85.
	if id&0xff00 == 0x5a00 && id&0xf0 != 0x80 {
		gen = 10
	}

	return gen, true
}

// ParseDeviceID accepts "0x1912" as found in sysfs.
func ParseDeviceID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid PCI device id %q", s)
	}

	return uint16(v), nil
}

func queryFlag(params gem.ParamQuerier, param int32) bool {
	v, err := params.GetParam(param)
	if err != nil {
		klog.V(4).Infof("getparam %d: %v", param, err)
		return false
	}

	return v != 0
}

// DetectGeneration resolves the profile of an open device. The generation
// comes from debugfs when card knows it, otherwise from the chipset id the
// device reports. card may be nil.
func DetectGeneration(params gem.ParamQuerier, card *Card) (gem.Profile, error) {
	chipset, err := params.GetParam(gem.ParamChipsetID)
	if err != nil {
		return gem.Profile{}, errors.Wrap(err, "can't query the chipset id")
	}

	devid := uint16(chipset)

	gen := 0
	if card != nil {
		gen = card.Gen
	}

	if gen == 0 {
		var ok bool
		if gen, ok = GenerationFromDeviceID(devid); !ok {
			return gem.Profile{}, errors.Wrapf(ErrUnsupported, "unknown device id %#04x", devid)
		}
	}

	caps := gem.Capabilities{
		HasBSD:           queryFlag(params, gem.ParamHasBSD),
		HasBSD2:          queryFlag(params, gem.ParamHasBSD2),
		HasBLT:           queryFlag(params, gem.ParamHasBLT),
		HasVEBox:         queryFlag(params, gem.ParamHasVEBox),
		HasLLC:           queryFlag(params, gem.ParamHasLLC),
		HasWaitTimeout:   queryFlag(params, gem.ParamHasWaitTimeout),
		HasExecNoReloc:   queryFlag(params, gem.ParamHasExecNoReloc),
		HasExecHandleLUT: queryFlag(params, gem.ParamHasExecHandleLUT),
	}

	profile := gem.NewProfile(gen, devid, caps)

	klog.V(1).Infof("device %#04x: gen%d, engines %v, fast path %v", devid, gen, profile.EngineNames(),
		caps.HasExecNoReloc)

	return profile, nil
}

// RequireGeneration fails with ErrUnsupported below min.
func RequireGeneration(p gem.Profile, min int) error {
	if p.Gen < min {
		return errors.Wrapf(ErrUnsupported, "gen%d device, gen%d or newer required", p.Gen, min)
	}

	return nil
}
