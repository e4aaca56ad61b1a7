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
	"bytes"
	"testing"
	"time"

	"github.com/intel/i915-gem-latency/pkg/batch"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	testingclock "k8s.io/utils/clock/testing"
)

func mustCreate(t *testing.T, d *Device, size uint64) gem.Handle {
	t.Helper()

	h, err := d.Create(size)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	return h
}

func TestTimestampStore(t *testing.T) {
	for _, gen := range []int{7, 9} {
		fc := testingclock.NewFakeClock(time.Unix(0, 0))
		d := NewWithClock(Profile(gen), fc)

		bo := mustCreate(t, d, 4096)
		render, _ := d.Profile().Engine("render")

		b := batch.NewBuilder(d.Profile())
		b.StoreRegisterMem(render.TimestampReg, bo, 4000)
		b.End()

		if err := b.Upload(d, bo); err != nil {
			t.Fatalf("upload: %v", err)
		}

		fc.Step(80 * time.Microsecond)

		req := b.Request(bo)
		req.Engine = gem.EngineRender
		req.Flags = gem.ExecNoReloc

		if err := d.Execbuf(&req); err != nil {
			t.Fatalf("gen%d: execbuf: %v", gen, err)
		}

		if err := d.Sync(bo); err != nil {
			t.Fatalf("sync: %v", err)
		}

		if got := d.ReadDword(bo, 4000); got != 1000 {
			t.Errorf("gen%d: stored timestamp %d, expected 1000", gen, got)
		}

		off := d.Offset(bo)
		if off == 0 || req.Objects[0].Offset != off {
			t.Errorf("gen%d: offset %#x not written back (%#x)", gen, off, req.Objects[0].Offset)
		}

		if got := d.ReadDword(bo, 8); uint64(got) != off+4000 {
			t.Errorf("gen%d: address operand %#x, expected %#x", gen, got, off+4000)
		}

		if req.Objects[0].Relocations[0].PresumedOffset != off {
			t.Errorf("gen%d: presumed offset not updated", gen)
		}

		_ = d.Close()
	}
}

func TestSecondSubmissionSkipsRelocation(t *testing.T) {
	d := New(Profile(9))
	defer d.Close()

	bo := mustCreate(t, d, 4096)

	b := batch.NewBuilder(d.Profile())
	b.StoreRegisterMem(gem.RenderRingBase+0x358, bo, 4000)
	b.End()
	_ = b.Upload(d, bo)

	req := b.Request(bo)
	req.Flags = gem.ExecNoReloc

	for i := 0; i < 3; i++ {
		if err := d.Execbuf(&req); err != nil {
			t.Fatalf("execbuf %d: %v", i, err)
		}
	}

	if d.Relocations() != 1 {
		t.Errorf("expected a single relocation, got %d", d.Relocations())
	}

	if d.Submissions() != 3 {
		t.Errorf("expected 3 submissions, got %d", d.Submissions())
	}
}

func TestBlit(t *testing.T) {
	d := New(Profile(8))
	defer d.Close()

	src := mustCreate(t, d, 4096)
	dst := mustCreate(t, d, 4096)
	bo := mustCreate(t, d, 4096)

	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	if err := d.Write(src, 0, pattern); err != nil {
		t.Fatalf("write: %v", err)
	}

	// 4x2 pixels, 64 byte destination rows, 256 byte source rows
	b := batch.NewBuilder(d.Profile())
	if err := b.XYSrcCopy(dst, src, 4, 2, 64, 256); err != nil {
		t.Fatal(err)
	}

	b.End()
	_ = b.Upload(d, bo)

	req := b.Request(bo, dst, src)
	req.Engine = gem.EngineBLT

	if err := d.Execbuf(&req); err != nil {
		t.Fatalf("execbuf: %v", err)
	}

	out, err := d.Map(dst, 0, 4096, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Sync(dst); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(out[0:16], pattern[0:16]) || !bytes.Equal(out[64:80], pattern[256:272]) {
		t.Errorf("rows not copied: % x / % x", out[0:16], out[64:80])
	}

	if out[16] != 0 || out[80] != 0 {
		t.Errorf("blit wrote past the rectangle")
	}
}

func TestExecbufRejections(t *testing.T) {
	gen6 := gem.NewProfile(6, 0x0102, gem.Capabilities{HasBLT: true})

	tcases := []struct {
		name     string
		profile  gem.Profile
		setup    func(d *Device, req *gem.ExecRequest)
		expected error
	}{
		{
			name:     "fast path refused",
			profile:  Profile(9),
			setup:    func(d *Device, req *gem.ExecRequest) { d.RejectFastPath(1); req.Flags = gem.ExecNoReloc },
			expected: unix.EINVAL,
		},
		{
			name:     "no reloc unsupported",
			profile:  gen6,
			setup:    func(d *Device, req *gem.ExecRequest) { req.Flags = gem.ExecNoReloc },
			expected: unix.EINVAL,
		},
		{
			name:     "missing engine",
			profile:  gen6,
			setup:    func(d *Device, req *gem.ExecRequest) { req.Engine = gem.EngineVEBox },
			expected: unix.EINVAL,
		},
		{
			name:     "unknown context",
			profile:  Profile(9),
			setup:    func(d *Device, req *gem.ExecRequest) { req.Context = 42 },
			expected: unix.ENOENT,
		},
		{
			name:     "closed handle",
			profile:  Profile(9),
			setup:    func(d *Device, req *gem.ExecRequest) { _ = d.CloseHandle(req.BatchObject().Handle) },
			expected: unix.ENOENT,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			d := New(tc.profile)
			defer d.Close()

			bo := mustCreate(t, d, 4096)

			b := batch.NewBuilder(tc.profile)
			b.End()
			_ = b.Upload(d, bo)

			req := b.Request(bo)
			tc.setup(d, &req)

			err := d.Execbuf(&req)
			if !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}

			if d.Rejections() != 1 || d.Submissions() != 0 {
				t.Errorf("unexpected counters: %d rejections, %d submissions", d.Rejections(), d.Submissions())
			}
		})
	}
}

func TestRejectFastPathOnce(t *testing.T) {
	d := New(Profile(9))
	defer d.Close()

	bo := mustCreate(t, d, 4096)

	b := batch.NewBuilder(d.Profile())
	b.End()
	_ = b.Upload(d, bo)

	d.RejectFastPath(1)

	req := b.Request(bo)
	req.Flags = gem.ExecNoReloc

	if err := d.Execbuf(&req); err == nil {
		t.Fatalf("expected the first fast path submission to fail")
	}

	if err := d.Execbuf(&req); err != nil {
		t.Fatalf("second submission: %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	d := New(Profile(9))
	defer d.Close()

	d.SetExecDelay(100 * time.Millisecond)

	bo := mustCreate(t, d, 4096)

	b := batch.NewBuilder(d.Profile())
	b.End()
	_ = b.Upload(d, bo)

	req := b.Request(bo)
	if err := d.Execbuf(&req); err != nil {
		t.Fatal(err)
	}

	if busy, _ := d.Busy(bo); !busy {
		t.Errorf("expected the object to be busy")
	}

	err := d.Wait(bo, time.Millisecond)
	if !errors.Is(err, gem.ErrSyncTimeout) || !errors.Is(err, unix.ETIME) {
		t.Errorf("expected a sync timeout, got %v", err)
	}

	if err := d.Sync(bo); err != nil {
		t.Fatal(err)
	}

	if busy, _ := d.Busy(bo); busy {
		t.Errorf("object still busy after sync")
	}

	if err := d.Wait(bo, 0); err != nil {
		t.Errorf("idle wait: %v", err)
	}
}

func TestObjects(t *testing.T) {
	d := New(Profile(9))
	defer d.Close()

	if _, err := d.Create(0); !errors.Is(err, gem.ErrAllocationFailed) {
		t.Errorf("expected allocation failure, got %v", err)
	}

	h := mustCreate(t, d, 10)

	m, err := d.Map(h, 0, 4096, true)
	if err != nil {
		t.Fatalf("size not rounded to a page: %v", err)
	}

	if _, err := d.Map(h, 4095, 2, true); !errors.Is(err, gem.ErrMapFailed) {
		t.Errorf("expected a map failure, got %v", err)
	}

	m[12] = 0xaa
	if d.ReadDword(h, 12) != 0xaa {
		t.Errorf("mapping does not alias the object")
	}

	if err := d.CloseHandle(h); err != nil {
		t.Fatal(err)
	}

	if err := d.Sync(h); !errors.Is(err, gem.ErrInvalidHandle) {
		t.Errorf("expected an invalid handle, got %v", err)
	}
}

func TestContextsAndParams(t *testing.T) {
	d := New(gem.NewProfile(9, 0x1912, gem.Capabilities{HasBLT: true, HasExecNoReloc: true}))
	defer d.Close()

	ctx, err := d.ContextCreate()
	if err != nil || ctx == gem.DefaultContext {
		t.Fatalf("context create: %d, %v", ctx, err)
	}

	if err := d.ContextDestroy(ctx); err != nil {
		t.Fatal(err)
	}

	if err := d.ContextDestroy(ctx); !errors.Is(err, unix.ENOENT) {
		t.Errorf("double destroy: %v", err)
	}

	for param, expected := range map[int32]int32{
		gem.ParamChipsetID:        0x1912,
		gem.ParamHasBLT:           1,
		gem.ParamHasVEBox:         0,
		gem.ParamHasExecNoReloc:   1,
		gem.ParamHasExecHandleLUT: 0,
	} {
		v, err := d.GetParam(param)
		if err != nil || v != expected {
			t.Errorf("param %d: %d (%v), expected %d", param, v, err, expected)
		}
	}

	if _, err := d.GetParam(1000); !errors.Is(err, unix.EINVAL) {
		t.Errorf("expected EINVAL for an unknown param, got %v", err)
	}

	if d.ReadRegister(0x1234) != 0 {
		t.Errorf("non timestamp registers read as zero")
	}
}

func TestClose(t *testing.T) {
	d := New(Profile(9))

	bo := mustCreate(t, d, 4096)

	b := batch.NewBuilder(d.Profile())
	b.End()
	_ = b.Upload(d, bo)

	req := b.Request(bo)
	_ = d.Execbuf(&req)

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	if err := d.Execbuf(&req); !errors.Is(err, unix.ENODEV) {
		t.Errorf("expected ENODEV after close, got %v", err)
	}

	if err := d.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
