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

package gpudev

import (
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/intel/i915-gem-latency/pkg/discovery"
	"github.com/intel/i915-gem-latency/pkg/i915"
	"github.com/intel/i915-gem-latency/pkg/mmio"
)

func openCard(scanner *discovery.Scanner, card discovery.Card, node string) (_ *GPU, err error) {
	g := &GPU{Card: card}

	defer func() {
		if err != nil {
			g.Close()
		}
	}()

	dev, err := i915.Open(node)
	if err != nil {
		return nil, err
	}

	g.Device = dev
	g.closers = append(g.closers, dev)

	if g.Profile, err = discovery.DetectGeneration(dev, &card); err != nil {
		return nil, err
	}

	regs, err := mmio.MapResource(card.PCI.ResourcePath(0))
	if err != nil {
		return nil, err
	}

	g.Registers = regs
	g.closers = append(g.closers, regs)

	// Without forcewake the timestamp may read stale while the GT sleeps.
	fw, err := mmio.Forcewake(filepath.Dir(scanner.DebugfsDRIDir), card.Minor)
	if err != nil {
		klog.Warningf("%v, timestamps may be inaccurate", err)
	} else {
		g.closers = append(g.closers, fw)
	}

	return g, nil
}
