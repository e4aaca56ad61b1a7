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

// Package i915 binds gem.Device to the i915 DRM ioctl interface.
package i915

import (
	"unsafe"

	"github.com/intel/i915-gem-latency/pkg/gem"
)

const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	drmIoctlBase   = 'd'
	drmCommandBase = 0x40
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | drmIoctlBase<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func iow(nr uintptr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr uintptr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// kernel uapi layouts, see include/uapi/drm/i915_drm.h

type getParam struct {
	param int32
	_     int32
	value uint64
}

type gemCreate struct {
	size   uint64
	handle uint32
	_      uint32
}

type gemClose struct {
	handle uint32
	_      uint32
}

type gemPwrite struct {
	handle  uint32
	_       uint32
	offset  uint64
	size    uint64
	dataPtr uint64
}

type gemSetDomain struct {
	handle      uint32
	readDomains uint32
	writeDomain uint32
}

type gemMmapGTT struct {
	handle uint32
	_      uint32
	offset uint64
}

type gemMmapOffset struct {
	handle     uint32
	_          uint32
	offset     uint64
	flags      uint64
	extensions uint64
}

type gemBusy struct {
	handle uint32
	busy   uint32
}

type gemWait struct {
	handle    uint32
	flags     uint32
	timeoutNs int64
}

type gemContext struct {
	ctxID uint32
	_     uint32
}

type relocationEntry struct {
	targetHandle   uint32
	delta          uint32
	offset         uint64
	presumedOffset uint64
	readDomains    uint32
	writeDomain    uint32
}

type execObject2 struct {
	handle          uint32
	relocationCount uint32
	relocsPtr       uint64
	alignment       uint64
	offset          uint64
	flags           uint64
	rsvd1           uint64
	rsvd2           uint64
}

type execBuffer2 struct {
	buffersPtr       uint64
	bufferCount      uint32
	batchStartOffset uint32
	batchLen         uint32
	dr1              uint32
	dr4              uint32
	numCliprects     uint32
	cliprectsPtr     uint64
	flags            uint64
	rsvd1            uint64
	rsvd2            uint64
}

const (
	mmapOffsetGTT = 0
	mmapOffsetWC  = 1
	mmapOffsetWB  = 2
)

var (
	ioctlGemClose          = iow(0x09, unsafe.Sizeof(gemClose{}))
	ioctlGetParam          = iowr(drmCommandBase+0x06, unsafe.Sizeof(getParam{}))
	ioctlGemBusy           = iowr(drmCommandBase+0x17, unsafe.Sizeof(gemBusy{}))
	ioctlGemCreate         = iowr(drmCommandBase+0x1b, unsafe.Sizeof(gemCreate{}))
	ioctlGemPwrite         = iow(drmCommandBase+0x1d, unsafe.Sizeof(gemPwrite{}))
	ioctlGemSetDomain      = iow(drmCommandBase+0x1f, unsafe.Sizeof(gemSetDomain{}))
	ioctlGemMmapGTT        = iowr(drmCommandBase+0x24, unsafe.Sizeof(gemMmapGTT{}))
	ioctlGemMmapOffset     = iowr(drmCommandBase+0x24, unsafe.Sizeof(gemMmapOffset{}))
	ioctlGemExecbuffer2    = iow(drmCommandBase+0x29, unsafe.Sizeof(execBuffer2{}))
	ioctlGemWait           = iowr(drmCommandBase+0x2c, unsafe.Sizeof(gemWait{}))
	ioctlGemContextCreate  = iowr(drmCommandBase+0x2d, unsafe.Sizeof(gemContext{}))
	ioctlGemContextDestroy = iow(drmCommandBase+0x2e, unsafe.Sizeof(gemContext{}))
)

// execBuffer holds a request in kernel layout. The slices must stay
// reachable until the ioctl returns.
type execBuffer struct {
	objects []execObject2
	relocs  [][]relocationEntry
	eb      execBuffer2
}

func newExecBuffer(req *gem.ExecRequest) *execBuffer {
	x := &execBuffer{
		objects: make([]execObject2, len(req.Objects)),
		relocs:  make([][]relocationEntry, len(req.Objects)),
	}

	for i := range req.Objects {
		obj := &req.Objects[i]

		x.objects[i] = execObject2{
			handle:          uint32(obj.Handle),
			relocationCount: uint32(len(obj.Relocations)),
			alignment:       obj.Alignment,
			offset:          obj.Offset,
			flags:           obj.Flags,
		}

		if len(obj.Relocations) == 0 {
			continue
		}

		entries := make([]relocationEntry, len(obj.Relocations))
		for j, r := range obj.Relocations {
			entries[j] = relocationEntry{
				targetHandle:   uint32(r.TargetHandle),
				delta:          r.Delta,
				offset:         r.Offset,
				presumedOffset: r.PresumedOffset,
				readDomains:    uint32(r.ReadDomains),
				writeDomain:    uint32(r.WriteDomain),
			}
		}

		x.relocs[i] = entries
		x.objects[i].relocsPtr = uint64(uintptr(unsafe.Pointer(&entries[0])))
	}

	batchLen := req.BatchLen
	if batchLen == 0 {
		batchLen = uint32(len(req.Batch))
	}

	x.eb = execBuffer2{
		bufferCount:      uint32(len(x.objects)),
		batchStartOffset: req.BatchStart,
		batchLen:         batchLen,
		flags:            uint64(req.Engine) | uint64(req.Flags),
		rsvd1:            uint64(req.Context),
	}

	if len(x.objects) > 0 {
		x.eb.buffersPtr = uint64(uintptr(unsafe.Pointer(&x.objects[0])))
	}

	return x
}

// writeBack copies the offsets the kernel settled on into req.
func (x *execBuffer) writeBack(req *gem.ExecRequest) {
	for i := range req.Objects {
		req.Objects[i].Offset = x.objects[i].offset

		for j := range req.Objects[i].Relocations {
			req.Objects[i].Relocations[j].PresumedOffset = x.relocs[i][j].presumedOffset
		}
	}
}
