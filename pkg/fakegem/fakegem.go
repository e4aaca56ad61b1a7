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

// Package fakegem is an in-memory GPU good enough to run the benchmark
// harnesses without hardware.
//
// Buffer objects are plain byte slices placed at fake GTT addresses. Every
// engine executes its queue in order on its own goroutine, interpreting the
// handful of commands the harnesses emit: MI_STORE_REGISTER_MEM stores the
// engine timestamp, XY_SRC_COPY_BLT copies rows, everything else is skipped.
// The timestamp counter ticks once per 80ns of wall time.
package fakegem

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

const (
	pageSize   = 4096
	gttStart   = 0x100000
	queueDepth = 1024
)

type object struct {
	data   []byte
	fences []chan struct{}
	offset uint64
	handle gem.Handle
}

type job struct {
	batch *object
	done  chan struct{}
	start uint32
}

type engine struct {
	queue chan *job
	id    gem.Engine
}

// Device implements gem.Device, gem.RegisterReader and gem.ParamQuerier.
type Device struct {
	clock      clock.PassiveClock
	epoch      time.Time
	objects    map[gem.Handle]*object
	contexts   map[gem.ContextID]struct{}
	engines    map[gem.Engine]*engine
	profile    gem.Profile
	wg         sync.WaitGroup
	sendMu     sync.RWMutex
	mu         sync.Mutex
	execDelay  time.Duration
	nextOffset uint64
	nextHandle gem.Handle
	nextCtx    gem.ContextID
	rejectFast int
	closed     bool

	submissions atomic.Uint64
	rejections  atomic.Uint64
	relocations atomic.Uint64
}

// Profile returns a profile with every engine and feature of the generation.
func Profile(gen int) gem.Profile {
	return gem.NewProfile(gen, 0, gem.Capabilities{
		HasBSD:           gen >= 6,
		HasBSD2:          gen >= 8,
		HasBLT:           gen >= 6,
		HasVEBox:         gen >= 7,
		HasLLC:           true,
		HasWaitTimeout:   true,
		HasExecNoReloc:   true,
		HasExecHandleLUT: true,
	})
}

// New returns a fake device behaving like profile describes.
func New(profile gem.Profile) *Device {
	return NewWithClock(profile, clock.RealClock{})
}

// NewWithClock is New with an injected time source for the timestamp counter.
func NewWithClock(profile gem.Profile, c clock.PassiveClock) *Device {
	return &Device{
		profile:    profile,
		clock:      c,
		epoch:      c.Now(),
		objects:    map[gem.Handle]*object{},
		contexts:   map[gem.ContextID]struct{}{},
		engines:    map[gem.Engine]*engine{},
		nextOffset: gttStart,
		nextHandle: 1,
		nextCtx:    1,
	}
}

// SetExecDelay makes every batch take at least d to execute.
func (d *Device) SetExecDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.execDelay = delay
}

// RejectFastPath makes the next n submissions carrying NO_RELOC or
// HANDLE_LUT fail with EINVAL.
func (d *Device) RejectFastPath(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rejectFast = n
}

// Submissions returns the number of accepted requests.
func (d *Device) Submissions() uint64 { return d.submissions.Load() }

// Rejections returns the number of refused requests.
func (d *Device) Rejections() uint64 { return d.rejections.Load() }

// Relocations returns the number of address operands the device patched.
func (d *Device) Relocations() uint64 { return d.relocations.Load() }

// Profile returns the profile the device was created with.
func (d *Device) Profile() gem.Profile { return d.profile }

func (d *Device) lookup(op string, h gem.Handle) (*object, error) {
	obj, ok := d.objects[h]
	if !ok {
		return nil, gem.NewOpError(op, h, gem.ErrInvalidHandle, unix.ENOENT)
	}

	return obj, nil
}

func (d *Device) Create(size uint64) (gem.Handle, error) {
	if size == 0 {
		return 0, gem.NewOpError("create", 0, gem.ErrAllocationFailed, unix.EINVAL)
	}

	size = (size + pageSize - 1) &^ (pageSize - 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.nextHandle
	d.nextHandle++
	d.objects[h] = &object{
		handle: h,
		data:   make([]byte, size),
	}

	return h, nil
}

// Map returns a view aliasing the object's storage.
func (d *Device) Map(h gem.Handle, offset, length uint64, writable bool) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.lookup("mmap", h)
	if err != nil {
		return nil, err
	}

	if offset+length > uint64(len(obj.data)) || length == 0 {
		return nil, gem.NewOpError("mmap", h, gem.ErrMapFailed, unix.EINVAL)
	}

	return obj.data[offset : offset+length : offset+length], nil
}

func (d *Device) Unmap(mapping []byte) error {
	return nil
}

func (d *Device) Write(h gem.Handle, offset uint64, data []byte) error {
	if err := d.SetDomain(h, gem.DomainCPU, gem.DomainCPU); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.lookup("pwrite", h)
	if err != nil {
		return err
	}

	if offset+uint64(len(data)) > uint64(len(obj.data)) {
		return gem.NewOpError("pwrite", h, nil, unix.EINVAL)
	}

	copy(obj.data[offset:], data)

	return nil
}

func (d *Device) fences(op string, h gem.Handle) ([]chan struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.lookup(op, h)
	if err != nil {
		return nil, err
	}

	return append([]chan struct{}(nil), obj.fences...), nil
}

// SetDomain waits for the GPU before handing the object to the CPU.
func (d *Device) SetDomain(h gem.Handle, read, write gem.Domain) error {
	if read&gem.DomainCPU == 0 && write == 0 {
		_, err := d.fences("set_domain", h)
		return err
	}

	return d.Sync(h)
}

func (d *Device) Sync(h gem.Handle) error {
	return d.Wait(h, -1)
}

func (d *Device) Wait(h gem.Handle, timeout time.Duration) error {
	fences, err := d.fences("wait", h)
	if err != nil {
		return err
	}

	if timeout < 0 {
		for _, f := range fences {
			<-f
		}

		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, f := range fences {
		select {
		case <-f:
			continue
		default:
		}

		select {
		case <-f:
		case <-timer.C:
			return gem.NewOpError("wait", h, gem.ErrSyncTimeout, unix.ETIME)
		}
	}

	return nil
}

// Busy reports whether work referencing h is still queued.
func (d *Device) Busy(h gem.Handle) (bool, error) {
	fences, err := d.fences("busy", h)
	if err != nil {
		return false, err
	}

	for _, f := range fences {
		select {
		case <-f:
		default:
			return true, nil
		}
	}

	return false, nil
}

func (d *Device) CloseHandle(h gem.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.lookup("gem_close", h); err != nil {
		return err
	}

	delete(d.objects, h)

	return nil
}

func (d *Device) ContextCreate() (gem.ContextID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextCtx
	d.nextCtx++
	d.contexts[id] = struct{}{}

	return id, nil
}

func (d *Device) ContextDestroy(id gem.ContextID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.contexts[id]; !ok {
		return gem.NewOpError("context_destroy", 0, nil, unix.ENOENT)
	}

	delete(d.contexts, id)

	return nil
}

// GetParam answers from the device profile.
func (d *Device) GetParam(param int32) (int32, error) {
	caps := d.profile.Capabilities
	flag := map[int32]bool{
		gem.ParamHasBSD:           caps.HasBSD,
		gem.ParamHasBSD2:          caps.HasBSD2,
		gem.ParamHasBLT:           caps.HasBLT,
		gem.ParamHasVEBox:         caps.HasVEBox,
		gem.ParamHasLLC:           caps.HasLLC,
		gem.ParamHasWaitTimeout:   caps.HasWaitTimeout,
		gem.ParamHasExecNoReloc:   caps.HasExecNoReloc,
		gem.ParamHasExecHandleLUT: caps.HasExecHandleLUT,
	}

	if param == gem.ParamChipsetID {
		return int32(d.profile.DeviceID), nil
	}

	v, ok := flag[param]
	if !ok {
		return 0, errors.Wrapf(unix.EINVAL, "getparam %d", param)
	}

	if v {
		return 1, nil
	}

	return 0, nil
}

// ReadRegister returns the running timestamp for any ring timestamp
// register and zero for everything else.
func (d *Device) ReadRegister(offset uint32) uint32 {
	for _, info := range d.profile.Engines {
		if info.TimestampReg == offset {
			return d.timestamp()
		}
	}

	return 0
}

func (d *Device) timestamp() uint32 {
	return uint32(d.clock.Since(d.epoch).Nanoseconds() / int64(gem.TimestampTickNs))
}

// Close stops the engines after draining their queues.
func (d *Device) Close() error {
	d.sendMu.Lock()
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		d.sendMu.Unlock()

		return nil
	}

	d.closed = true
	for _, e := range d.engines {
		close(e.queue)
	}

	d.mu.Unlock()
	d.sendMu.Unlock()

	d.wg.Wait()

	return nil
}

// The getters below are for tests inspecting device state.

// Offset returns the GTT address of h, zero while unbound.
func (d *Device) Offset(h gem.Handle) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if obj, ok := d.objects[h]; ok {
		return obj.offset
	}

	return 0
}

// ReadDword returns the dword at byte offset off of h.
func (d *Device) ReadDword(h gem.Handle, off uint64) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, ok := d.objects[h]
	if !ok || off+4 > uint64(len(obj.data)) {
		return 0
	}

	return binary.LittleEndian.Uint32(obj.data[off:])
}

var _ gem.Device = &Device{}
var _ gem.RegisterReader = &Device{}
var _ gem.ParamQuerier = &Device{}
