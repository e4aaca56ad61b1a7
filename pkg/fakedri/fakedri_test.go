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

package fakedri

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetOptions(t *testing.T) {
	tcases := []struct {
		name        string
		parse       func(string) (GenOptions, error)
		data        string
		expectedErr bool
		expectedID  string
	}{
		{
			name:       "yaml defaults",
			parse:      GetOptionsByYAML,
			data:       "DevCount: 2\nCapabilities:\n  gen: \"9\"\n",
			expectedID: "0x1912",
		},
		{
			name:       "json with device id",
			parse:      GetOptionsByJSON,
			data:       `{"DevCount": 1, "DeviceID": "0x3e92"}`,
			expectedID: "0x3e92",
		},
		{
			name:        "empty",
			parse:       GetOptionsByYAML,
			expectedErr: true,
		},
		{
			name:        "no devices",
			parse:       GetOptionsByJSON,
			data:        `{"DevCount": 0}`,
			expectedErr: true,
		},
		{
			name:        "bad device id",
			parse:       GetOptionsByYAML,
			data:        "DevCount: 1\nDeviceID: 1912\n",
			expectedErr: true,
		},
		{
			name:        "unaligned register file",
			parse:       GetOptionsByYAML,
			data:        "DevCount: 1\nRegisterSize: 100\n",
			expectedErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := tc.parse(tc.data)
			if tc.expectedErr {
				if err == nil {
					t.Errorf("expected an error")
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if opts.DeviceID != tc.expectedID || opts.Driver != "i915" || opts.RegisterSize != defaultRegisterSize {
				t.Errorf("unexpected options %+v", opts)
			}
		})
	}
}

func TestGenerateDriFiles(t *testing.T) {
	root := t.TempDir()

	opts, err := VerifyOptions(GenOptions{
		Path:         root,
		DevCount:     2,
		TilesPerDev:  1,
		PlainNodes:   true,
		RegisterSize: 8192,
		Capabilities: map[string]string{"gen": "9", "platform": "skylake"},
		Registers:    map[string]uint32{"0x1358": 0xcafe},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := GenerateDriFiles(opts); err != nil {
		t.Fatalf("generate: %v", err)
	}

	for _, path := range []string{
		"sys/class/drm/card0/device/vendor",
		"sys/class/drm/card1/device/device",
		"sys/class/drm/renderD129/device/resource0",
		"sys/class/drm/card0/gt/gt0/error_counter/fatal_guc",
		"sys/kernel/debug/dri/1/i915_capabilities",
		"sys/kernel/debug/dri/0/i915_forcewake_user",
		"dev/dri/card1",
		"dev/dri/renderD128",
		"dev/dri/by-path/pci-0000:00:03.0-render",
	} {
		if _, err := os.Stat(filepath.Join(root, path)); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}

	caps, err := os.ReadFile(filepath.Join(root, "sys/kernel/debug/dri/0/i915_capabilities"))
	if err != nil || !strings.Contains(string(caps), "gen: 9\n") {
		t.Errorf("unexpected capabilities %q (%v)", caps, err)
	}

	driver, err := filepath.EvalSymlinks(filepath.Join(root, "sys/class/drm/card0/device/driver"))
	if err != nil || filepath.Base(driver) != "i915" {
		t.Errorf("driver link resolves to %q (%v)", driver, err)
	}

	regs, err := os.ReadFile(filepath.Join(root, "sys/class/drm/card0/device/resource0"))
	if err != nil || len(regs) != 8192 {
		t.Fatalf("register file: %d bytes (%v)", len(regs), err)
	}

	if binary.LittleEndian.Uint32(regs[0x1358:]) != 0xcafe {
		t.Errorf("register value not written")
	}

	// a second run replaces the tree
	if err := GenerateDriFiles(opts); err != nil {
		t.Errorf("regenerate: %v", err)
	}
}

func TestRefuseRealTrees(t *testing.T) {
	root := t.TempDir()

	for i := 0; i < 6; i++ {
		if err := os.MkdirAll(filepath.Join(root, "sys", strings.Repeat("x", i+1)), 0755); err != nil {
			t.Fatal(err)
		}
	}

	opts, _ := VerifyOptions(GenOptions{Path: root, DevCount: 1, PlainNodes: true})
	if err := GenerateDriFiles(opts); err == nil {
		t.Errorf("expected a refusal to wipe a populated sysfs")
	}
}
