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
	"runtime"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"golang.org/x/sys/unix"
)

var _ = Describe("Thread placement", func() {
	It("hands the thread back with its CPU mask and policy", func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var before unix.CPUSet
		Expect(unix.SchedGetaffinity(0, &before)).To(Succeed())

		policy, param, err := getScheduler()
		Expect(err).NotTo(HaveOccurred())

		cpu := 0
		for !before.IsSet(cpu) {
			cpu++
		}

		restore, err := pinThread(cpu)
		Expect(err).NotTo(HaveOccurred())

		var pinned unix.CPUSet
		Expect(unix.SchedGetaffinity(0, &pinned)).To(Succeed())
		Expect(pinned.Count()).To(Equal(1))
		Expect(pinned.IsSet(cpu)).To(BeTrue())

		// Needs CAP_SYS_NICE, the mask alone is checked without it.
		_ = setRealtime()

		restore()

		var after unix.CPUSet
		Expect(unix.SchedGetaffinity(0, &after)).To(Succeed())
		Expect(after).To(Equal(before))

		restoredPolicy, restoredParam, err := getScheduler()
		Expect(err).NotTo(HaveOccurred())
		Expect(restoredPolicy).To(Equal(policy))
		Expect(restoredParam).To(Equal(param))
	})
})
