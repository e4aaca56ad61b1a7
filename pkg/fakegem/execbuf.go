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

package fakegem

import (
	"encoding/binary"
	"time"

	"github.com/intel/i915-gem-latency/pkg/batch"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Execbuf validates and binds the request, applies relocations whose
// presumed offset is stale, writes the offsets back into req and queues the
// batch on its engine.
func (d *Device) Execbuf(req *gem.ExecRequest) error {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()

	j, e, err := d.prepare(req)
	if err != nil {
		d.rejections.Add(1)

		var h gem.Handle
		if bo := req.BatchObject(); bo != nil {
			h = bo.Handle
		}

		return gem.NewOpError("execbuffer2", h, nil, err)
	}

	e.queue <- j

	return nil
}

func (d *Device) prepare(req *gem.ExecRequest) (*job, *engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, nil, unix.ENODEV
	}

	if err := req.Validate(); err != nil {
		return nil, nil, errors.Wrap(unix.EINVAL, err.Error())
	}

	caps := d.profile.Capabilities

	if req.Flags&gem.FastPathFlags != 0 && d.rejectFast > 0 {
		d.rejectFast--
		return nil, nil, errors.Wrapf(unix.EINVAL, "flags %v refused", req.Flags)
	}

	if (req.Flags&gem.ExecNoReloc != 0 && !caps.HasExecNoReloc) ||
		(req.Flags&gem.ExecHandleLUT != 0 && !caps.HasExecHandleLUT) {
		return nil, nil, errors.Wrapf(unix.EINVAL, "flags %v unsupported", req.Flags)
	}

	if req.Context != gem.DefaultContext {
		if _, ok := d.contexts[req.Context]; !ok {
			return nil, nil, errors.Wrapf(unix.ENOENT, "context %d", req.Context)
		}
	}

	if !d.profile.HasEngine(req.Engine) {
		return nil, nil, errors.Wrapf(unix.EINVAL, "engine %v", req.Engine)
	}

	objs := make([]*object, len(req.Objects))
	byHandle := make(map[gem.Handle]*object, len(req.Objects))

	for i := range req.Objects {
		obj, ok := d.objects[req.Objects[i].Handle]
		if !ok {
			return nil, nil, errors.Wrapf(unix.ENOENT, "handle %d", req.Objects[i].Handle)
		}

		objs[i] = obj
		byHandle[obj.handle] = obj
	}

	bo := objs[len(objs)-1]
	if uint64(req.BatchStart)+4 > uint64(len(bo.data)) {
		return nil, nil, errors.Wrapf(unix.EINVAL, "batch start %d beyond %d bytes", req.BatchStart, len(bo.data))
	}

	for _, obj := range objs {
		if obj.offset == 0 {
			obj.offset = d.nextOffset
			d.nextOffset += uint64(len(obj.data))
		}
	}

	if err := d.relocate(req, objs, byHandle); err != nil {
		return nil, nil, err
	}

	for i := range req.Objects {
		req.Objects[i].Offset = objs[i].offset
	}

	e := d.engine(req.Engine)
	j := &job{batch: bo, start: req.BatchStart, done: make(chan struct{})}

	for _, obj := range objs {
		obj.addFence(j.done)
	}

	d.submissions.Add(1)

	return j, e, nil
}

func (d *Device) relocate(req *gem.ExecRequest, objs []*object, byHandle map[gem.Handle]*object) error {
	is64 := d.profile.Has64BitReloc

	for i := range req.Objects {
		owner := objs[i]

		for k := range req.Objects[i].Relocations {
			r := &req.Objects[i].Relocations[k]

			t, err := req.Target(r)
			if err != nil {
				return errors.Wrap(unix.EINVAL, err.Error())
			}

			target := byHandle[t.Handle]
			if r.PresumedOffset == target.offset {
				continue
			}

			if err := batch.PatchAddress(owner.data, r.Offset, target.offset+uint64(r.Delta), is64); err != nil {
				return errors.Wrap(unix.EINVAL, err.Error())
			}

			r.PresumedOffset = target.offset
			d.relocations.Add(1)
		}
	}

	return nil
}

func (o *object) addFence(done chan struct{}) {
	live := o.fences[:0]

	for _, f := range o.fences {
		select {
		case <-f:
		default:
			live = append(live, f)
		}
	}

	o.fences = append(live, done)
}

func (d *Device) engine(id gem.Engine) *engine {
	if id == gem.EngineDefault {
		id = gem.EngineRender
	}

	e, ok := d.engines[id]
	if !ok {
		e = &engine{id: id, queue: make(chan *job, queueDepth)}
		d.engines[id] = e

		d.wg.Add(1)

		go d.run(e)
	}

	return e
}

func (d *Device) run(e *engine) {
	defer d.wg.Done()

	for j := range e.queue {
		d.mu.Lock()
		delay := d.execDelay
		d.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		d.execute(e, j)
		close(j.done)
	}
}

func (d *Device) execute(e *engine, j *job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := j.batch.data

	for off := int(j.start); off+4 <= len(data); {
		w := binary.LittleEndian.Uint32(data[off:])
		if w == batch.MIBatchBufferEnd {
			return
		}

		n, err := batch.CommandLength(w)
		if err != nil || off+4*n > len(data) {
			klog.V(2).Infof("%v: stopping at %#08x (offset %d): %v", e.id, w, off, err)
			return
		}

		cmd := make([]uint32, n)
		for i := range cmd {
			cmd[i] = binary.LittleEndian.Uint32(data[off+4*i:])
		}

		switch {
		case batch.IsStoreRegisterMem(w):
			d.storeRegisterMem(cmd)
		case batch.IsXYSrcCopy(w):
			d.blit(cmd)
		}

		off += 4 * n
	}
}

func (d *Device) address(words []uint32) uint64 {
	addr := uint64(words[0])
	if d.profile.Has64BitReloc && len(words) > 1 {
		addr |= uint64(words[1]) << 32
	}

	return addr
}

// resolve maps a GTT address to an object and the offset inside it.
func (d *Device) resolve(addr uint64) (*object, uint64) {
	for _, obj := range d.objects {
		if obj.offset != 0 && addr >= obj.offset && addr < obj.offset+uint64(len(obj.data)) {
			return obj, addr - obj.offset
		}
	}

	return nil, 0
}

func (d *Device) storeRegisterMem(cmd []uint32) {
	if len(cmd) < 3 {
		return
	}

	addr := d.address(cmd[2:])

	obj, pos := d.resolve(addr)
	if obj == nil || pos+4 > uint64(len(obj.data)) {
		klog.V(2).Infof("MI_STORE_REGISTER_MEM to unbound address %#x", addr)
		return
	}

	binary.LittleEndian.PutUint32(obj.data[pos:], d.ReadRegister(cmd[1]))
}

func (d *Device) blit(cmd []uint32) {
	words := d.profile.AddressWords()
	if len(cmd) < 6+2*words {
		return
	}

	dstPitch := uint64(cmd[1] & 0xffff)
	x1, y1 := uint64(cmd[2]&0xffff), uint64(cmd[2]>>16)
	x2, y2 := uint64(cmd[3]&0xffff), uint64(cmd[3]>>16)
	dst := d.address(cmd[4:])

	i := 4 + words
	sx, sy := uint64(cmd[i]&0xffff), uint64(cmd[i]>>16)
	srcPitch := uint64(cmd[i+1] & 0xffff)
	src := d.address(cmd[i+2:])

	if x2 <= x1 || y2 <= y1 {
		return
	}

	rowBytes := (x2 - x1) * 4

	for row := uint64(0); row < y2-y1; row++ {
		dobj, dpos := d.resolve(dst + (y1+row)*dstPitch + x1*4)
		sobj, spos := d.resolve(src + (sy+row)*srcPitch + sx*4)

		if dobj == nil || sobj == nil {
			return
		}

		n := min(rowBytes, uint64(len(dobj.data))-dpos, uint64(len(sobj.data))-spos)
		copy(dobj.data[dpos:dpos+n], sobj.data[spos:spos+n])
	}
}
