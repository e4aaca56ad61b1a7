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

package i915

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Device is an open i915 DRM node.
type Device struct {
	f       *os.File
	DevPath string
	// mmapFlags is the MMAP_OFFSET caching mode, noOffset is set once the
	// kernel turned out to predate MMAP_OFFSET.
	mmapFlags uint64
	noOffset  atomic.Bool
}

// Open opens a DRM node and checks that it is driven by i915.
func Open(dev string) (*Device, error) {
	f, err := os.OpenFile(dev, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", dev)
	}

	d := &Device{DevPath: dev, f: f, mmapFlags: mmapOffsetWC}

	// check that kernel API is compatible
	if _, err := d.GetParam(gem.ParamChipsetID); err != nil {
		d.Close()
		return nil, errors.Wrapf(err, "%s: i915 API mismatch", dev)
	}

	if llc, err := d.GetParam(gem.ParamHasLLC); err == nil && llc != 0 {
		d.mmapFlags = mmapOffsetWB
	}

	klog.V(2).Infof("opened %s", dev)

	return d, nil
}

// Close closes the node. Handles and mappings die with it.
func (d *Device) Close() error {
	if d.f != nil {
		return d.f.Close()
	}

	return nil
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))

		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		}

		return errno
	}
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	return ioctl(d.f.Fd(), req, arg)
}

// GetParam runs I915_GETPARAM.
func (d *Device) GetParam(param int32) (int32, error) {
	var value int32

	gp := getParam{param: param, value: uint64(uintptr(unsafe.Pointer(&value)))}
	err := d.ioctl(ioctlGetParam, unsafe.Pointer(&gp))

	runtime.KeepAlive(&value)

	if err != nil {
		return 0, errors.Wrapf(err, "getparam %d", param)
	}

	return value, nil
}

func (d *Device) Create(size uint64) (gem.Handle, error) {
	arg := gemCreate{size: size}
	if err := d.ioctl(ioctlGemCreate, unsafe.Pointer(&arg)); err != nil {
		return 0, gem.NewOpError("gem_create", 0, gem.ErrAllocationFailed, err)
	}

	return gem.Handle(arg.handle), nil
}

func (d *Device) mmapOffset(h gem.Handle) (uint64, error) {
	if !d.noOffset.Load() {
		arg := gemMmapOffset{handle: uint32(h), flags: d.mmapFlags}

		err := d.ioctl(ioctlGemMmapOffset, unsafe.Pointer(&arg))
		if err == nil {
			return arg.offset, nil
		}

		if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOTTY) && !errors.Is(err, unix.ENODEV) {
			return 0, err
		}

		klog.V(2).Infof("%s: no MMAP_OFFSET (%v), using the GTT", d.DevPath, err)
		d.noOffset.Store(true)
	}

	arg := gemMmapGTT{handle: uint32(h)}
	if err := d.ioctl(ioctlGemMmapGTT, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}

	return arg.offset, nil
}

// Map maps [offset, offset+length) of the object through the DRM node.
func (d *Device) Map(h gem.Handle, offset, length uint64, writable bool) ([]byte, error) {
	fake, err := d.mmapOffset(h)
	if err != nil {
		return nil, gem.NewOpError("mmap", h, gem.ErrMapFailed, err)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	m, err := unix.Mmap(int(d.f.Fd()), int64(fake+offset), int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, gem.NewOpError("mmap", h, gem.ErrMapFailed, err)
	}

	return m, nil
}

func (d *Device) Unmap(mapping []byte) error {
	return errors.Wrap(unix.Munmap(mapping), "munmap")
}

func (d *Device) Write(h gem.Handle, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	arg := gemPwrite{
		handle:  uint32(h),
		offset:  offset,
		size:    uint64(len(data)),
		dataPtr: uint64(uintptr(unsafe.Pointer(&data[0]))),
	}
	err := d.ioctl(ioctlGemPwrite, unsafe.Pointer(&arg))

	runtime.KeepAlive(data)

	if err != nil {
		return handleError("pwrite", h, err)
	}

	return nil
}

func (d *Device) SetDomain(h gem.Handle, read, write gem.Domain) error {
	arg := gemSetDomain{handle: uint32(h), readDomains: uint32(read), writeDomain: uint32(write)}
	if err := d.ioctl(ioctlGemSetDomain, unsafe.Pointer(&arg)); err != nil {
		return handleError("set_domain", h, err)
	}

	return nil
}

func (d *Device) Sync(h gem.Handle) error {
	return d.Wait(h, -1)
}

func (d *Device) Wait(h gem.Handle, timeout time.Duration) error {
	arg := gemWait{handle: uint32(h), timeoutNs: int64(timeout)}
	if timeout < 0 {
		arg.timeoutNs = -1
	}

	err := d.ioctl(ioctlGemWait, unsafe.Pointer(&arg))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ETIME):
		return gem.NewOpError("gem_wait", h, gem.ErrSyncTimeout, err)
	case errors.Is(err, unix.EINVAL) && timeout < 0:
		// pre-GEM_WAIT kernels
		return d.SetDomain(h, gem.DomainGTT, gem.DomainGTT)
	}

	return handleError("gem_wait", h, err)
}

// Busy reports whether the object is still referenced by queued work.
func (d *Device) Busy(h gem.Handle) (bool, error) {
	arg := gemBusy{handle: uint32(h)}
	if err := d.ioctl(ioctlGemBusy, unsafe.Pointer(&arg)); err != nil {
		return false, handleError("gem_busy", h, err)
	}

	return arg.busy != 0, nil
}

func (d *Device) CloseHandle(h gem.Handle) error {
	arg := gemClose{handle: uint32(h)}
	if err := d.ioctl(ioctlGemClose, unsafe.Pointer(&arg)); err != nil {
		return handleError("gem_close", h, err)
	}

	return nil
}

// Execbuf runs EXECBUFFER2 and writes the kernel's offsets back into req.
func (d *Device) Execbuf(req *gem.ExecRequest) error {
	if len(req.Objects) == 0 {
		return gem.NewOpError("execbuffer2", 0, gem.ErrInvalidRequest, unix.EINVAL)
	}

	x := newExecBuffer(req)
	err := d.ioctl(ioctlGemExecbuffer2, unsafe.Pointer(&x.eb))

	runtime.KeepAlive(x)

	if err != nil {
		return gem.NewOpError("execbuffer2", req.BatchObject().Handle, nil, err)
	}

	x.writeBack(req)

	return nil
}

func (d *Device) ContextCreate() (gem.ContextID, error) {
	var arg gemContext
	if err := d.ioctl(ioctlGemContextCreate, unsafe.Pointer(&arg)); err != nil {
		return 0, gem.NewOpError("context_create", 0, nil, err)
	}

	return gem.ContextID(arg.ctxID), nil
}

func (d *Device) ContextDestroy(id gem.ContextID) error {
	arg := gemContext{ctxID: uint32(id)}
	if err := d.ioctl(ioctlGemContextDestroy, unsafe.Pointer(&arg)); err != nil {
		return gem.NewOpError("context_destroy", 0, nil, err)
	}

	return nil
}

func handleError(op string, h gem.Handle, err error) error {
	if errors.Is(err, unix.ENOENT) {
		return gem.NewOpError(op, h, gem.ErrInvalidHandle, err)
	}

	return gem.NewOpError(op, h, nil, err)
}

var _ gem.Device = &Device{}
var _ gem.ParamQuerier = &Device{}
