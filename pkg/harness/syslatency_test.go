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
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/intel/i915-gem-latency/pkg/fakegem"
	testingclock "k8s.io/utils/clock/testing"
)

var _ = Describe("System latency harness", func() {
	const step = 50 * time.Microsecond

	var (
		fc  *testingclock.FakeClock
		dev *fakegem.Device
		h   *Harness
	)

	BeforeEach(func() {
		fc = testingclock.NewFakeClock(time.Unix(0, 0))
		dev = fakegem.NewWithClock(fakegem.Profile(9), fc)
		h = New(dev, dev, dev.Profile())
		h.Clock = fc
	})

	AfterEach(func() {
		Expect(dev.Close()).To(Succeed())
	})

	// run drives the fake clock in steps shorter than the minimum timer
	// period until the run ends. The clock only moves while a timer is
	// armed, so a waker that is between two timers never misses a step.
	run := func(ctx context.Context, cfg SysConfig) (*SysResult, error) {
		type sysResult struct {
			res *SysResult
			err error
		}

		out := make(chan sysResult, 1)

		go func() {
			defer GinkgoRecover()

			res, err := h.RunSys(ctx, cfg)
			out <- sysResult{res, err}
		}()

		var r sysResult

		Eventually(func() bool {
			select {
			case r = <-out:
				return true
			default:
				if fc.HasWaiters() {
					fc.Step(step)
				}

				return false
			}
		}).WithTimeout(20 * time.Second).WithPolling(time.Millisecond).Should(BeTrue())

		return r.res, r.err
	}

	It("has no clock overhead on a fake clock", func() {
		Expect(MinMeasurementError(fc)).To(BeZero())
	})

	It("measures timer lateness while loading every engine", func() {
		res, err := run(context.Background(), SysConfig{Duration: 5 * time.Millisecond, CPUs: 2})
		Expect(err).NotTo(HaveOccurred())

		Expect(res.CPUs).To(Equal(2))
		Expect(res.Cycles).To(BeNumerically(">", 0))
		Expect(res.Mean).To(BeNumerically(">=", 0))
		Expect(res.Max).To(BeNumerically(">=", res.Mean))
		Expect(dev.Submissions()).To(BeNumerically(">=", uint64(len(dev.Profile().SubmissionEngines()))))
	})

	It("records each wakeup at most one clock step late", func() {
		// One waker and no alarm: its timer is the only one armed.
		ctx, cancel := context.WithCancel(context.Background())

		go func() {
			defer GinkgoRecover()

			Eventually(func() time.Duration { return fc.Since(time.Unix(0, 0)) }).
				WithTimeout(10 * time.Second).Should(BeNumerically(">", 5*time.Millisecond))
			cancel()
		}()

		res, err := run(ctx, SysConfig{Duration: -1, CPUs: 1, DryRun: true})
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Cycles).To(BeZero())
		Expect(res.Mean).To(BeNumerically(">=", 0))
		Expect(res.Max).To(BeNumerically("<", float64(step)))
		Expect(res.MaxMicros()).To(BeNumerically("<", 50))
	})

	It("does not touch the GPU on a dry run", func() {
		res, err := run(context.Background(), SysConfig{Duration: 2 * time.Millisecond, CPUs: 3, DryRun: true})
		Expect(err).NotTo(HaveOccurred())

		Expect(res.Cycles).To(BeZero())
		Expect(dev.Submissions()).To(BeZero())
	})

	It("runs until cancelled with a negative duration", func() {
		ctx, cancel := context.WithCancel(context.Background())

		go func() {
			defer GinkgoRecover()

			Eventually(dev.Submissions).Should(BeNumerically(">", 10))
			cancel()
		}()

		res, err := run(ctx, SysConfig{Duration: -1, CPUs: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Cycles).To(BeNumerically(">", 10))
	})

	It("falls back when the fast path is refused", func() {
		dev.RejectFastPath(1)

		_, err := run(context.Background(), SysConfig{Duration: time.Millisecond, CPUs: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.submit.FastPath()).To(BeFalse())
	})
})
