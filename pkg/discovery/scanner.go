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

// Package discovery finds i915 GPUs and works out what they can do.
package discovery

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/intel/i915-gem-latency/pkg/mmio"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

const (
	gpuDeviceRE    = `^card[0-9]+$`
	renderDeviceRE = `^renderD[0-9]+$`
	i915Driver     = "i915"
)

// Card is one Intel GPU as seen through sysfs.
type Card struct {
	PCI *mmio.PCIDevice
	// Name is the primary node name, e.g. card0, Render the render node
	// name if the device has one.
	Name     string
	Render   string
	Platform string
	Minor    int
	// Gen is the generation debugfs reports, zero when unknown.
	Gen int
	// Tiles is the GT count, NUMA the node of the device or -1.
	Tiles int
	NUMA  int
}

// NodePath returns the device node to open, preferring the render node.
func (c Card) NodePath(devfsDRIDir string) string {
	if c.Render != "" {
		return filepath.Join(devfsDRIDir, c.Render)
	}

	return filepath.Join(devfsDRIDir, c.Name)
}

// Scanner looks for Intel GPUs below a (possibly fake) root.
type Scanner struct {
	gpuDeviceReg    *regexp.Regexp
	renderDeviceReg *regexp.Regexp
	// AllowIDs and DenyIDs filter on the PCI device id ("0x1912").
	AllowIDs sets.Set[string]
	DenyIDs  sets.Set[string]

	SysfsDRMDir   string
	DebugfsDRIDir string
	DevfsDRIDir   string
}

// NewScanner returns a scanner for the host when root is "" or "/", or for
// a tree generated by fakedri below root.
func NewScanner(root string) *Scanner {
	if root == "" {
		root = "/"
	}

	return &Scanner{
		gpuDeviceReg:    regexp.MustCompile(gpuDeviceRE),
		renderDeviceReg: regexp.MustCompile(renderDeviceRE),
		AllowIDs:        sets.New[string](),
		DenyIDs:         sets.New[string](),
		SysfsDRMDir:     filepath.Join(root, "sys", "class", "drm"),
		DebugfsDRIDir:   filepath.Join(root, "sys", "kernel", "debug", "dri"),
		DevfsDRIDir:     filepath.Join(root, "dev", "dri"),
	}
}

// ParseIDList turns "0x1912, 0x5912" into a set.
func ParseIDList(list string) sets.Set[string] {
	ids := sets.New[string]()

	for _, id := range strings.Split(list, ",") {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			ids.Insert(id)
		}
	}

	return ids
}

// Scan returns every usable Intel GPU, sorted by card name.
func (s *Scanner) Scan() ([]Card, error) {
	files, err := os.ReadDir(s.SysfsDRMDir)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read sysfs folder")
	}

	names := sets.New[string]()

	for _, f := range files {
		if !s.gpuDeviceReg.MatchString(f.Name()) {
			klog.V(4).Info("Not compatible device ", f.Name())
			continue
		}

		names.Insert(f.Name())
	}

	var cards []Card

	for _, name := range sets.List(names) {
		card, err := s.Card(name)
		if err != nil {
			klog.V(3).Infof("Skipping %s: %v", name, err)
			continue
		}

		cards = append(cards, card)
	}

	return cards, nil
}

// Card inspects a single card by name.
func (s *Scanner) Card(name string) (Card, error) {
	var minor int
	if _, err := fmt.Sscanf(name, "card%d", &minor); err != nil {
		return Card{}, errors.Errorf("%q is not a card name", name)
	}

	pci, err := mmio.NewPCIDevice(filepath.Join(s.SysfsDRMDir, name, "device"))
	if err != nil {
		return Card{}, err
	}

	if !pci.IsIntelGPU() {
		return Card{}, errors.Errorf("non-Intel or non-display device %s (%s/%s)", pci.BDF, pci.Vendor, pci.Class)
	}

	if pci.Driver != "" && pci.Driver != i915Driver {
		return Card{}, errors.Errorf("%s is driven by %s", pci.BDF, pci.Driver)
	}

	id := strings.ToLower(pci.Device)
	if s.DenyIDs.Has(id) {
		return Card{}, errors.Errorf("device %s is in denylist", id)
	}

	if s.AllowIDs.Len() > 0 && !s.AllowIDs.Has(id) {
		return Card{}, errors.Errorf("device %s is not in allowlist", id)
	}

	card := Card{Name: name, Minor: minor, PCI: pci}

	drm, err := os.ReadDir(filepath.Join(pci.SysFsPath, "drm"))
	if err != nil {
		return Card{}, errors.Wrap(err, "Can't read device folder")
	}

	for _, f := range drm {
		if s.renderDeviceReg.MatchString(f.Name()) {
			card.Render = f.Name()
			break
		}
	}

	card.Platform, card.Gen = s.readCapabilities(minor)
	card.Tiles = tileCount(filepath.Join(s.SysfsDRMDir, name))
	card.NUMA = numaNode(pci)

	return card, nil
}

// tileCount counts the GTs of a card, at least one.
func tileCount(cardPath string) int {
	paths, _ := filepath.Glob(filepath.Join(cardPath, "gt/gt*"))

	klog.V(4).Info("tile files found:", paths)

	return max(len(paths), 1)
}

func numaNode(pci *mmio.PCIDevice) int {
	numa, err := strconv.ParseInt(strings.TrimSpace(pci.NUMA), 10, 32)
	if err != nil || numa > math.MaxInt16 {
		klog.V(3).Infof("Can't convert numa_node %q", pci.NUMA)
		return -1
	}

	return int(numa)
}

// readCapabilities picks platform and generation out of the debugfs
// capability dump.
func (s *Scanner) readCapabilities(minor int) (platform string, gen int) {
	file, err := os.Open(filepath.Join(s.DebugfsDRIDir, strconv.Itoa(minor), "i915_capabilities"))
	if err != nil {
		klog.V(3).Infof("Couldn't open file:%s", err.Error()) // debugfs is not stable, there is no need to spam with error level prints
		return "", 0
	}
	defer file.Close()

	searchStringActionMap := map[string]func(string){
		"platform: ": func(name string) {
			platform = name
		},
		"gen: ": func(value string) {
			if n, err := strconv.Atoi(value); err == nil {
				gen = n
			}
		},
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		for searchString, action := range searchStringActionMap {
			var stringValue string

			n, _ := fmt.Sscanf(scanner.Text(), searchString+"%s", &stringValue)
			if n > 0 {
				action(stringValue)
				delete(searchStringActionMap, searchString)

				if len(searchStringActionMap) == 0 {
					return platform, gen
				}

				break
			}
		}
	}

	return platform, gen
}
