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
	"github.com/intel/i915-gem-latency/pkg/gem"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"
)

type runResult struct {
	res *Result
	err error
}

var _ = Describe("Latency harness", func() {
	const timeout = time.Second * 10

	var (
		fc  *testingclock.FakeClock
		dev *fakegem.Device
		h   *Harness
	)

	start := func(ctx context.Context, cfg Config) <-chan runResult {
		out := make(chan runResult, 1)

		go func() {
			defer GinkgoRecover()

			res, err := h.Run(ctx, cfg)
			out <- runResult{res, err}
		}()

		return out
	}

	BeforeEach(func() {
		fc = testingclock.NewFakeClock(time.Unix(0, 0))
		dev = fakegem.NewWithClock(fakegem.Profile(9), fc)
		h = New(dev, dev, dev.Profile())
		h.Clock = fc
	})

	AfterEach(func() {
		Expect(dev.Close()).To(Succeed())
	})

	Context("Config", func() {
		It("clamps out of range options", func() {
			cfg := Config{Producers: -1, Consumers: -3, Nops: -1, Duration: time.Millisecond}
			cfg.Normalize()

			Expect(cfg).To(Equal(Config{Engine: "blt", Producers: 1, Duration: time.Second}))

			cfg = Config{}
			cfg.Normalize()
			Expect(cfg.Duration).To(Equal(DefaultDuration))
		})
	})

	Context("Running until the alarm", func() {
		It("merges per thread estimates of every producer", func() {
			cfg := Config{Producers: 2, Consumers: 3, Nops: 2, Workload: 1, Duration: 5 * time.Second, Contexts: true}
			results := start(context.Background(), cfg)

			Eventually(fc.HasWaiters, timeout).Should(BeTrue())
			Eventually(dev.Submissions, timeout).Should(BeNumerically(">=", 40))

			fc.Step(cfg.Duration)

			var r runResult
			Eventually(results, timeout).Should(Receive(&r))
			Expect(r.err).NotTo(HaveOccurred())

			res := r.res
			Expect(res.Runs).To(Equal(2))
			Expect(res.Complete).To(BeNumerically(">", 0))
			Expect(res.Engine).To(Equal("blt"))
			Expect(res.ThroughputSamples.Len()).To(Equal(res.Complete))
			Expect(res.LatencySamples.Len()).To(Equal(res.Complete * (cfg.Consumers + 1)))
			Expect(res.Fallbacks).To(BeZero())
			Expect(res.LatencyMicros()).To(BeNumerically(">=", 0))
		})

		It("falls back to software relocation when the fast path is refused", func() {
			dev.RejectFastPath(1)

			results := start(context.Background(), Config{Consumers: 1, Workload: 2, Duration: time.Second})

			Eventually(fc.HasWaiters, timeout).Should(BeTrue())
			Eventually(dev.Submissions, timeout).Should(BeNumerically(">=", 10))

			fc.Step(time.Second)

			var r runResult
			Eventually(results, timeout).Should(Receive(&r))
			Expect(r.err).NotTo(HaveOccurred())
			Expect(r.res.Fallbacks).To(BeNumerically(">=", 1))
			Expect(dev.Rejections()).To(BeEquivalentTo(1))
		})
	})

	Context("Running on the real clock", func() {
		It("stops at the alarm", func() {
			h = New(dev, dev, dev.Profile())
			Expect(h.Clock).To(Equal(clock.RealClock{}))

			results := start(context.Background(), Config{Consumers: 1, Duration: time.Second})

			var r runResult
			Eventually(results, timeout).Should(Receive(&r))
			Expect(r.err).NotTo(HaveOccurred())
			Expect(r.res.Runs).To(Equal(1))
			Expect(r.res.Complete).To(BeNumerically(">", 0))
		})
	})

	Context("Shutdown", func() {
		It("releases every consumer when the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			results := start(ctx, Config{Producers: 3, Consumers: 8, Duration: time.Hour})

			Eventually(dev.Submissions, timeout).Should(BeNumerically(">=", 30))
			cancel()

			var r runResult
			Eventually(results, 2*time.Second).Should(Receive(&r))
			Expect(r.err).NotTo(HaveOccurred())
			Expect(r.res.Runs).To(BeNumerically(">=", 1))
			Expect(r.res.LatencySamples.Len()).To(Equal(r.res.Complete * 9))
		})

		It("fails the run when the device goes away", func() {
			results := start(context.Background(), Config{Consumers: 2, Nops: 4, Duration: time.Hour})

			Eventually(dev.Submissions, timeout).Should(BeNumerically(">=", 5))
			Expect(dev.Close()).To(Succeed())

			var r runResult
			Eventually(results, timeout).Should(Receive(&r))
			Expect(r.err).To(HaveOccurred())
		})
	})

	Context("Setup errors", func() {
		It("rejects unknown engines", func() {
			_, err := h.Run(context.Background(), Config{Engine: "copy"})
			Expect(err).To(MatchError(ContainSubstring("not available")))
		})
	})

	Context("Measurement", func() {
		It("counts ticks between the probe and the wakeup", func() {
			cfg := Config{Engine: "render"}
			cfg.Normalize()

			s, producers, err := h.setup(&cfg)
			Expect(err).NotTo(HaveOccurred())

			defer func() {
				Expect(h.teardown(s, producers)).To(Succeed())
			}()

			p := producers[0]
			Expect(h.iterate(p, &cfg)).To(Succeed())
			Expect(p.dispatch.lastTimestamp()).To(BeZero())

			fc.Step(8 * time.Microsecond)

			ticks, err := h.measure(p, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ticks).To(BeEquivalentTo(100))

			Expect(p.latency.Values()).To(Equal([]float64{0}))
			Expect(p.throughput.Values()).To(Equal([]float64{0}))
			Expect(p.dispatch.latency.Flags).To(Equal(gem.ExecNoReloc | gem.ExecHandleLUT))
		})

		It("survives a counter wrap", func() {
			cfg := Config{}
			cfg.Normalize()

			s, producers, err := h.setup(&cfg)
			Expect(err).NotTo(HaveOccurred())

			defer func() {
				Expect(h.teardown(s, producers)).To(Succeed())
			}()

			// Just below 2^32 ticks.
			fc.Step(time.Duration(1<<32-10) * 80 * time.Nanosecond)

			p := producers[0]
			Expect(h.iterate(p, &cfg)).To(Succeed())

			fc.Step(20 * 80 * time.Nanosecond)

			ticks, err := h.measure(p, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(ticks).To(BeEquivalentTo(20))
		})
	})
})
