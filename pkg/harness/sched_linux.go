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

package harness

import (
	"encoding/binary"
	"io"
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	cpuDMALatency = "/dev/cpu_dma_latency"
	rtPriority    = 99
)

type schedParam struct {
	priority int32
}

// pinThread locks the calling goroutine to its OS thread and that thread to
// cpu. The returned function puts back the thread's CPU mask and scheduling
// policy, then unlocks it. A thread that cannot be put back stays locked, and
// the runtime ends it together with the goroutine.
func pinThread(cpu int) (func(), error) {
	runtime.LockOSThread()

	var prev unix.CPUSet

	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return func() {}, errors.Wrap(err, "can't read the CPU mask")
	}

	policy, param, err := getScheduler()
	if err != nil {
		return func() {}, err
	}

	restore := func() {
		if err := setScheduler(policy, param.priority); err != nil {
			return
		}

		if err := unix.SchedSetaffinity(0, &prev); err != nil {
			return
		}

		runtime.UnlockOSThread()
	}

	var set unix.CPUSet

	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return restore, errors.Wrapf(err, "can't bind to cpu%d", cpu)
	}

	return restore, nil
}

func getScheduler() (int, schedParam, error) {
	var param schedParam

	policy, _, errno := unix.Syscall(unix.SYS_SCHED_GETSCHEDULER, 0, 0, 0)
	if errno != 0 {
		return 0, param, errors.Wrap(errno, "sched_getscheduler")
	}

	if _, _, errno := unix.Syscall(unix.SYS_SCHED_GETPARAM, 0, uintptr(unsafe.Pointer(&param)), 0); errno != 0 {
		return 0, param, errors.Wrap(errno, "sched_getparam")
	}

	return int(policy), param, nil
}

func setScheduler(policy int, priority int32) error {
	param := schedParam{priority}

	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errors.Wrap(errno, "sched_setscheduler")
	}

	return nil
}

// setRealtime moves the calling thread to SCHED_FIFO. The goroutine must be
// locked to its thread.
func setRealtime() error {
	return setScheduler(unix.SCHED_FIFO, rtPriority)
}

// forceLowLatency keeps CPUs out of deep idle states while the returned
// file stays open.
func forceLowLatency() (io.Closer, error) {
	f, err := os.OpenFile(cpuDMALatency, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unable to prevent CPU sleeps")
	}

	if err := binary.Write(f, binary.NativeEndian, int32(0)); err != nil {
		f.Close()

		return nil, errors.Wrap(err, "unable to prevent CPU sleeps")
	}

	return f, nil
}
