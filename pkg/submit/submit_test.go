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

package submit

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/intel/i915-gem-latency/pkg/batch"
	"github.com/intel/i915-gem-latency/pkg/fakegem"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	testingclock "k8s.io/utils/clock/testing"
)

// stubDevice fails Execbuf with the queued errors, then succeeds.
type stubDevice struct {
	gem.Device
	errs  []error
	calls []gem.ExecFlags
}

func (s *stubDevice) Execbuf(req *gem.ExecRequest) error {
	s.calls = append(s.calls, req.Flags)

	if len(s.errs) == 0 {
		return nil
	}

	err := s.errs[0]
	s.errs = s.errs[1:]

	return err
}

func (s *stubDevice) SetDomain(h gem.Handle, read, write gem.Domain) error { return nil }
func (s *stubDevice) Write(h gem.Handle, off uint64, data []byte) error    { return nil }

func latencyRequest(profile gem.Profile, bo gem.Handle) gem.ExecRequest {
	b := batch.NewBuilder(profile)
	b.StoreRegisterMem(gem.BLTRingBase+0x358, bo, 4000)
	b.End()

	req := b.Request(bo)
	req.Engine = gem.EngineBLT
	req.Flags = gem.ExecNoReloc

	return req
}

func TestTrySubmit(t *testing.T) {
	profile := fakegem.Profile(9)

	tcases := []struct {
		name      string
		errs      []error
		flags     gem.ExecFlags
		expected  Outcome
		expectErr error
	}{
		{
			name:     "accepted",
			flags:    gem.ExecNoReloc,
			expected: Accepted,
		},
		{
			name:     "fast path refused",
			errs:     []error{gem.NewOpError("execbuffer2", 1, nil, unix.EINVAL)},
			flags:    gem.ExecNoReloc,
			expected: NeedsSoftwareRelocation,
		},
		{
			name:      "plain request refused",
			errs:      []error{unix.EINVAL},
			expectErr: gem.ErrSubmitRejected,
		},
		{
			name:      "other errors are fatal",
			errs:      []error{unix.ENOSPC},
			flags:     gem.ExecNoReloc,
			expectErr: unix.ENOSPC,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			dev := &stubDevice{errs: tc.errs}
			s := New(dev, profile)

			req := latencyRequest(profile, 1)
			req.Flags = tc.flags

			outcome, err := s.TrySubmit(&req)
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("expected %v, got %v", tc.expectErr, err)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if outcome != tc.expected {
				t.Errorf("expected %v, got %v", tc.expected, outcome)
			}
		})
	}
}

func TestSubmitFallsBackOnce(t *testing.T) {
	profile := fakegem.Profile(8)
	dev := &stubDevice{errs: []error{unix.EINVAL}}
	s := New(dev, profile)

	req := latencyRequest(profile, 7)
	req.Objects[0].Offset = 0x40_0000

	if err := s.Submit(&req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(dev.calls) != 2 || dev.calls[0] != gem.ExecNoReloc || dev.calls[1] != 0 {
		t.Errorf("unexpected submission flags %v", dev.calls)
	}

	if s.FastPath() || s.Fallbacks() != 1 {
		t.Errorf("fast path should be disabled after a refusal")
	}

	r := req.Objects[0].Relocations[0]
	if r.PresumedOffset != 0x40_0000 {
		t.Errorf("presumed offset %#x not resolved", r.PresumedOffset)
	}

	if got := binary.LittleEndian.Uint64(req.Batch[8:]); got != 0x40_0000+4000 {
		t.Errorf("address operand %#x, expected %#x", got, 0x40_0000+4000)
	}

	// Later requests skip the doomed attempt.
	req = latencyRequest(profile, 7)
	if err := s.Submit(&req); err != nil {
		t.Fatal(err)
	}

	if len(dev.calls) != 3 || dev.calls[2] != 0 {
		t.Errorf("expected a single direct fallback submission, got %v", dev.calls)
	}
}

func TestNoFastPathOnOldKernels(t *testing.T) {
	profile := gem.NewProfile(6, 0x0102, gem.Capabilities{HasBLT: true})
	s := New(&stubDevice{}, profile)

	if s.FastPath() {
		t.Errorf("fast path must be off without NO_RELOC support")
	}

	req := latencyRequest(profile, 3)

	outcome, err := s.TrySubmit(&req)
	if err != nil || outcome != NeedsSoftwareRelocation {
		t.Errorf("expected software relocation, got %v (%v)", outcome, err)
	}
}

func TestRelocateRejectsForeignRelocations(t *testing.T) {
	profile := fakegem.Profile(9)
	s := New(&stubDevice{}, profile)

	req := latencyRequest(profile, 2)
	req.Objects = append([]gem.ExecObject{{Handle: 5, Relocations: []gem.Relocation{{TargetHandle: 2}}}}, req.Objects...)

	if err := s.Relocate(&req); !errors.Is(err, gem.ErrInvalidRequest) {
		t.Errorf("expected an invalid request, got %v", err)
	}
}

// A device refusing the fast path once must still run the batch and store
// the timestamp at the right address.
func TestFallbackAgainstFakeDevice(t *testing.T) {
	for _, gen := range []int{7, 9} {
		fc := testingclock.NewFakeClock(time.Unix(0, 0))
		dev := fakegem.NewWithClock(fakegem.Profile(gen), fc)
		dev.RejectFastPath(1)

		s := New(dev, dev.Profile())

		bo, err := dev.Create(4096)
		if err != nil {
			t.Fatal(err)
		}

		req := latencyRequest(dev.Profile(), bo)
		if err := dev.Write(bo, 0, req.Batch); err != nil {
			t.Fatal(err)
		}

		fc.Step(8 * time.Microsecond)

		if err := s.Submit(&req); err != nil {
			t.Fatalf("gen%d: submit: %v", gen, err)
		}

		if err := dev.Sync(bo); err != nil {
			t.Fatal(err)
		}

		if got := dev.ReadDword(bo, 4000); got != 100 {
			t.Errorf("gen%d: timestamp %d, expected 100", gen, got)
		}

		if got := uint64(dev.ReadDword(bo, 8)); got != dev.Offset(bo)+4000 {
			t.Errorf("gen%d: address %#x, expected %#x", gen, got, dev.Offset(bo)+4000)
		}

		if dev.Rejections() != 1 || dev.Submissions() != 1 || s.Fallbacks() != 1 {
			t.Errorf("gen%d: %d rejections, %d submissions, %d fallbacks", gen,
				dev.Rejections(), dev.Submissions(), s.Fallbacks())
		}

		_ = dev.Close()
	}
}
