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

// Package gpudev opens the GPU the benchmark commands run on.
package gpudev

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/intel/i915-gem-latency/cmd/internal/gpuerrors"
	"github.com/intel/i915-gem-latency/pkg/config"
	"github.com/intel/i915-gem-latency/pkg/discovery"
	"github.com/intel/i915-gem-latency/pkg/fakegem"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/intel/i915-gem-latency/pkg/report"
)

// SkipExitCode tells test runners the device can't run the benchmark.
const SkipExitCode = 77

const nodeTimeout = 5 * time.Second

// GPU is an open device with everything a benchmark needs from it.
type GPU struct {
	Device    gem.Device
	Registers gem.RegisterReader
	Profile   gem.Profile
	Card      discovery.Card
	// CheckErrors reports fatal error counters that grew since Open.
	CheckErrors func() []gpuerrors.Increase

	closers []io.Closer
}

// Open opens the device opts name, or an in-memory one when opts.Fake is
// set, and resolves its generation profile.
func Open(ctx context.Context, opts config.DeviceOptions) (*GPU, error) {
	if opts.Fake > 0 {
		return openFake(opts.Fake)
	}

	scanner := discovery.NewScanner(opts.Root)
	scanner.AllowIDs = discovery.ParseIDList(opts.AllowIDs)
	scanner.DenyIDs = discovery.ParseIDList(opts.DenyIDs)

	card, err := pick(scanner, opts.Path)
	if err != nil {
		return nil, err
	}

	node := card.NodePath(scanner.DevfsDRIDir)
	if opts.Path != "" {
		node = opts.Path
	}

	if err := discovery.WaitForNode(ctx, node, nodeTimeout); err != nil {
		return nil, err
	}

	gpu, err := openCard(scanner, card, node)
	if err != nil {
		return nil, err
	}

	gpu.CheckErrors = gpuerrors.Watch(filepath.Join(scanner.SysfsDRMDir, card.Name))

	klog.Infof("using %s (%s %s, gen%d)", node, card.PCI.BDF, card.Platform, gpu.Profile.Gen)

	return gpu, nil
}

// pick returns the card behind path, or the first one found.
func pick(scanner *discovery.Scanner, path string) (discovery.Card, error) {
	cards, err := scanner.Scan()
	if err != nil {
		return discovery.Card{}, err
	}

	for _, c := range cards {
		if path == "" {
			return c, nil
		}

		if base := filepath.Base(path); base == c.Name || base == c.Render {
			return c, nil
		}
	}

	if path != "" {
		return discovery.Card{}, errors.Errorf("%s is not a usable Intel GPU", path)
	}

	return discovery.Card{}, errors.Errorf("no Intel GPU found in %s", scanner.SysfsDRMDir)
}

func openFake(gen int) (*GPU, error) {
	dev := fakegem.New(fakegem.Profile(gen))

	card := discovery.Card{Name: "fake", Platform: "fake", Gen: gen, Tiles: 1, NUMA: -1}

	profile, err := discovery.DetectGeneration(dev, &card)
	if err != nil {
		dev.Close()
		return nil, err
	}

	return &GPU{
		Device:      dev,
		Registers:   dev,
		Profile:     profile,
		Card:        card,
		CheckErrors: func() []gpuerrors.Increase { return nil },
		closers:     []io.Closer{dev},
	}, nil
}

// Host describes the machine and GPU for reports.
func (g *GPU) Host() report.Host {
	h := report.LocalHost()
	h.Platform = g.Card.Platform
	h.Gen = g.Profile.Gen
	h.Tiles = g.Card.Tiles
	h.NUMA = g.Card.NUMA

	return h
}

// Close releases everything Open acquired, newest first.
func (g *GPU) Close() error {
	var errs []error

	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	g.closers = nil

	return utilerrors.NewAggregate(errs)
}
