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

// Package submit queues batch buffers on a device.
//
// Requests are first tried on the optimistic fast path (NO_RELOC and
// HANDLE_LUT). When the device refuses those flags every relocation is
// resolved on the CPU against the last known object offsets and the request
// is resubmitted without them.
package submit

import (
	"sync/atomic"

	"github.com/intel/i915-gem-latency/pkg/batch"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Outcome is the result of a fast path attempt.
type Outcome int

const (
	// Accepted means the device queued the request.
	Accepted Outcome = iota
	// NeedsSoftwareRelocation means the device refused the fast path flags
	// and the request has to be resolved on the CPU.
	NeedsSoftwareRelocation
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case NeedsSoftwareRelocation:
		return "needs software relocation"
	}

	return "unknown"
}

// Submitter submits requests for one device. It is safe for concurrent use
// as long as each request is owned by a single goroutine.
type Submitter struct {
	dev        gem.Device
	profile    gem.Profile
	noFastPath atomic.Bool
	fallbacks  atomic.Uint64
}

// New returns a submitter for dev.
func New(dev gem.Device, profile gem.Profile) *Submitter {
	s := &Submitter{dev: dev, profile: profile}

	if !profile.HasExecNoReloc {
		s.noFastPath.Store(true)
	}

	return s
}

// Fallbacks returns how many requests went through software relocation.
func (s *Submitter) Fallbacks() uint64 {
	return s.fallbacks.Load()
}

// FastPath reports whether the fast path is still believed to work.
func (s *Submitter) FastPath() bool {
	return !s.noFastPath.Load()
}

func rejected(req *gem.ExecRequest, err error) error {
	return gem.NewOpError("execbuffer2", req.BatchObject().Handle, gem.ErrSubmitRejected, err)
}

// TrySubmit queues req as is. A request without fast path flags is simply
// submitted. A request with them either goes through or yields
// NeedsSoftwareRelocation, any other failure is an error.
func (s *Submitter) TrySubmit(req *gem.ExecRequest) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return Accepted, err
	}

	fast := req.Flags&gem.FastPathFlags != 0

	if fast && s.noFastPath.Load() {
		return NeedsSoftwareRelocation, nil
	}

	err := s.dev.Execbuf(req)
	if err == nil {
		return Accepted, nil
	}

	if fast && errors.Is(err, unix.EINVAL) {
		if s.noFastPath.CompareAndSwap(false, true) {
			klog.V(1).Infof("fast path submission refused (%v), resolving relocations in software", err)
		}

		return NeedsSoftwareRelocation, nil
	}

	return Accepted, rejected(req, err)
}

// Submit queues req, falling back to software relocation once if the fast
// path is refused. On fallback req is rewritten in place: relocations point
// at real handles with resolved presumed offsets and the fast path flags are
// cleared.
func (s *Submitter) Submit(req *gem.ExecRequest) error {
	outcome, err := s.TrySubmit(req)
	if err != nil || outcome == Accepted {
		return err
	}

	if err := s.Relocate(req); err != nil {
		return err
	}

	s.fallbacks.Add(1)

	if err := s.dev.Execbuf(req); err != nil {
		return rejected(req, err)
	}

	return nil
}

// Relocate resolves every relocation of req on the CPU: each address operand
// of the batch is patched with the target's current offset plus delta, the
// presumed offsets are updated, index targets become handles and the patched
// batch is written back. The fast path flags are cleared.
func (s *Submitter) Relocate(req *gem.ExecRequest) error {
	bo := req.BatchObject()
	if bo == nil {
		return errors.Wrap(gem.ErrInvalidRequest, "no batch object")
	}

	if req.Batch == nil && req.RelocationCount() > 0 {
		return errors.Wrapf(gem.ErrInvalidRequest, "batch %d has no CPU copy to relocate", bo.Handle)
	}

	is64 := s.profile.Has64BitReloc

	for i := range req.Objects {
		obj := &req.Objects[i]

		if len(obj.Relocations) > 0 && obj != bo {
			return errors.Wrapf(gem.ErrInvalidRequest, "relocations in non-batch object %d", obj.Handle)
		}

		for j := range obj.Relocations {
			r := &obj.Relocations[j]

			t, err := req.Target(r)
			if err != nil {
				return err
			}

			if err := batch.PatchAddress(req.Batch, r.Offset, t.Offset+uint64(r.Delta), is64); err != nil {
				return errors.Wrapf(gem.ErrInvalidRequest, "relocation %d: %v", j, err)
			}

			r.PresumedOffset = t.Offset
			r.TargetHandle = t.Handle
		}
	}

	req.Flags &^= gem.FastPathFlags

	if req.Batch == nil {
		return nil
	}

	if err := s.dev.SetDomain(bo.Handle, gem.DomainCPU, gem.DomainCPU); err != nil {
		return errors.Wrap(err, "can't move batch to the CPU domain")
	}

	return errors.Wrap(s.dev.Write(bo.Handle, 0, req.Batch), "can't rewrite relocated batch")
}
