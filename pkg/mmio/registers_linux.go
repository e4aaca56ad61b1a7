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

//go:build linux

// Package mmio reads GPU registers through the PCI register BAR.
package mmio

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"unsafe"

	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// MaxMapSize bounds the mapping, the register file of every generation
// fits in the first 2MiB of BAR0.
const MaxMapSize = 2 << 20

// Registers is a mapped register BAR.
type Registers struct {
	mem  []byte
	Path string
}

// MapResource maps a sysfs PCI resource file.
func MapResource(path string) (*Registers, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "can't stat %s", path)
	}

	size := min(fi.Size(), MaxMapSize)
	if size <= 0 {
		return nil, errors.Errorf("%s is empty", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "can't map %s", path)
	}

	klog.V(2).Infof("mapped %d bytes of %s", size, path)

	return &Registers{mem: mem, Path: path}, nil
}

// MapForCard maps BAR0 of the GPU behind a DRM minor name.
func MapForCard(card string) (*Registers, error) {
	pci, err := ForCard(card)
	if err != nil {
		return nil, err
	}

	if !pci.IsIntelGPU() {
		return nil, errors.Errorf("%s (%s) is not an Intel GPU", card, pci.BDF)
	}

	return MapResource(pci.ResourcePath(0))
}

// Size returns the mapped length in bytes.
func (r *Registers) Size() int {
	return len(r.mem)
}

func (r *Registers) word(offset uint32) *uint32 {
	if offset%4 != 0 || int(offset)+4 > len(r.mem) {
		return nil
	}

	return (*uint32)(unsafe.Pointer(&r.mem[offset]))
}

// ReadRegister reads the dword at offset. Unaligned or out of range offsets
// read as all ones, like a read from a dead PCI device.
func (r *Registers) ReadRegister(offset uint32) uint32 {
	p := r.word(offset)
	if p == nil {
		return ^uint32(0)
	}

	return atomic.LoadUint32(p)
}

// WriteRegister writes the dword at offset.
func (r *Registers) WriteRegister(offset, value uint32) error {
	p := r.word(offset)
	if p == nil {
		return errors.Errorf("register %#x outside of %d byte BAR", offset, len(r.mem))
	}

	atomic.StoreUint32(p, value)

	return nil
}

func (r *Registers) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil

	return errors.Wrap(err, "munmap")
}

// Forcewake keeps the GT powered while the returned closer is open, so
// register reads do not return stale values. debugfs is the debugfs mount
// point and minor the DRM minor number.
func Forcewake(debugfs string, minor int) (io.Closer, error) {
	path := filepath.Join(debugfs, "dri", strconv.Itoa(minor), "i915_forcewake_user")

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "forcewake")
	}

	return f, nil
}

var _ gem.RegisterReader = &Registers{}
