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

package harness

import (
	"encoding/binary"

	"github.com/intel/i915-gem-latency/pkg/batch"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

const (
	// Workload blit dimensions in 32bpp pixels.
	workloadWidth  = 128
	workloadHeight = 128
	workloadPitch  = 4 * workloadWidth
	scratchPitch   = 4096
	scratchSize    = 4 * workloadWidth * workloadHeight

	batchSize = 4096
	// The probe stores the timestamp into its own batch object, well past
	// the commands.
	timestampOffset = 4000
)

// shared holds the objects every producer submits: an empty batch and a
// blit batch copying within the scratch surface.
type shared struct {
	scratch  *gem.BufferObject
	nop      *gem.BufferObject
	workload *gem.BufferObject

	nopBatch      *batch.Builder
	workloadBatch *batch.Builder
}

func newShared(dev gem.Device, profile gem.Profile) (_ *shared, err error) {
	s := &shared{}

	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.scratch, err = gem.NewBufferObject(dev, scratchSize); err != nil {
		return nil, errors.Wrap(err, "scratch")
	}

	if s.nop, err = gem.NewBufferObject(dev, batchSize); err != nil {
		return nil, errors.Wrap(err, "nop batch")
	}

	s.nopBatch = batch.NewBuilder(profile)
	s.nopBatch.End()

	if err = s.nopBatch.Upload(dev, s.nop.Handle); err != nil {
		return nil, errors.Wrap(err, "nop batch")
	}

	if s.workload, err = gem.NewBufferObject(dev, batchSize); err != nil {
		return nil, errors.Wrap(err, "workload batch")
	}

	s.workloadBatch = batch.NewBuilder(profile)
	if err = s.workloadBatch.XYSrcCopy(s.scratch.Handle, s.scratch.Handle,
		workloadWidth, workloadHeight, workloadPitch, scratchPitch); err != nil {
		return nil, err
	}

	s.workloadBatch.End()

	if err = s.workloadBatch.Upload(dev, s.workload.Handle); err != nil {
		return nil, errors.Wrap(err, "workload batch")
	}

	return s, nil
}

func (s *shared) Close() error {
	var errs []error

	for _, bo := range []*gem.BufferObject{s.workload, s.nop, s.scratch} {
		if bo != nil {
			errs = append(errs, bo.Close())
		}
	}

	return utilerrors.NewAggregate(errs)
}

// dispatch is the set of requests one producer submits. Requests are reused
// across iterations so offsets written back by the device keep the fast
// path valid.
type dispatch struct {
	nop      gem.ExecRequest
	workload gem.ExecRequest
	latency  gem.ExecRequest

	probe *gem.BufferObject
	// timestamp is the CPU view of the probe's store target.
	timestamp []byte
}

func (h *Harness) newDispatch(s *shared, ctx gem.ContextID) (_ *dispatch, err error) {
	d := &dispatch{}

	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.probe, err = gem.NewBufferObject(h.dev, batchSize); err != nil {
		return nil, errors.Wrap(err, "latency batch")
	}

	b := batch.NewBuilder(h.profile)
	b.StoreRegisterMem(h.engine.TimestampReg, d.probe.Handle, timestampOffset)
	b.End()

	if err = b.Upload(h.dev, d.probe.Handle); err != nil {
		return nil, errors.Wrap(err, "latency batch")
	}

	mapping, err := d.probe.Map(true)
	if err != nil {
		return nil, errors.Wrap(err, "latency batch")
	}

	d.timestamp = mapping[timestampOffset : timestampOffset+4]

	d.nop = s.nopBatch.Request(s.nop.Handle)
	d.workload = s.workloadBatch.Request(s.workload.Handle, s.scratch.Handle)
	d.latency = b.Request(d.probe.Handle)

	for _, req := range []*gem.ExecRequest{&d.nop, &d.workload, &d.latency} {
		req.Engine = h.engine.Flag
		req.Context = ctx
		req.Flags = gem.ExecNoReloc

		if h.profile.HasExecHandleLUT {
			if err = req.UseHandleLUT(); err != nil {
				return nil, err
			}
		}
	}

	return d, nil
}

// lastTimestamp is the counter value the probe stored on its last run.
func (d *dispatch) lastTimestamp() uint32 {
	return binary.LittleEndian.Uint32(d.timestamp)
}

func (d *dispatch) Close() error {
	if d.probe == nil {
		return nil
	}

	return d.probe.Close()
}
