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
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/intel/i915-gem-latency/pkg/batch"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/intel/i915-gem-latency/pkg/stats"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

const (
	wakeupBase   = 100 * time.Microsecond
	wakeupJitter = time.Millisecond
	clockReads   = 1024
)

// SysConfig selects the shape of a system latency run.
type SysConfig struct {
	// Duration of the run. Negative runs until the context is cancelled,
	// zero means DefaultDuration.
	Duration time.Duration
	// CPUs is the number of spinner and waker pairs, one per online CPU
	// unless set.
	CPUs int
	// DryRun measures the timer latency without loading the GPU.
	DryRun bool
	// Pin binds every spinner and waker to its CPU and makes wakers
	// SCHED_FIFO.
	Pin bool
}

// SysResult is the outcome of a system latency run. Times are in ns with
// the clock read overhead already subtracted.
type SysResult struct {
	// Cycles is the mean number of batches each spinner submitted.
	Cycles float64
	// Mean is the mean timer lateness over all CPUs.
	Mean float64
	// Max is the estimate of the per CPU worst lateness.
	Max float64
	// MeasurementError is the cost of one clock read.
	MeasurementError float64
	CPUs             int
}

// MeanMicros returns Mean in microseconds.
func (r *SysResult) MeanMicros() float64 { return r.Mean / 1000 }

// MaxMicros returns Max in microseconds.
func (r *SysResult) MaxMicros() float64 { return r.Max / 1000 }

// MinMeasurementError is the average cost of reading the clock.
func MinMeasurementError(c clock.PassiveClock) float64 {
	start := c.Now()

	var end time.Time
	for range clockReads {
		end = c.Now()
	}

	return float64(end.Sub(start).Nanoseconds()) / clockReads
}

func (h *Harness) place(log logr.Logger, cfg *SysConfig, cpu int, realtime bool) func() {
	if !cfg.Pin {
		return func() {}
	}

	unpin, err := pinThread(cpu)
	if err != nil {
		log.V(2).Info("Running unpinned", "err", err)
	}

	if realtime {
		if err := setRealtime(); err != nil {
			log.V(2).Info("Running without realtime priority", "err", err)
		}
	}

	return unpin
}

// spin submits an empty batch to every engine in turn until done. It
// returns the number of submissions.
func (h *Harness) spin(log logr.Logger, cfg *SysConfig, cpu int, done *atomic.Bool) (uint64, error) {
	defer h.place(log, cfg, cpu, false)()

	engines := h.profile.SubmissionEngines()
	if len(engines) == 0 {
		return 0, errors.New("no engine to submit to")
	}

	bo, err := gem.NewBufferObject(h.dev, batchSize)
	if err != nil {
		return 0, err
	}
	defer bo.Close()

	b := batch.NewBuilder(h.profile)
	b.End()

	if err := b.Upload(h.dev, bo.Handle); err != nil {
		return 0, err
	}

	req := b.Request(bo.Handle)
	req.Flags = gem.ExecNoReloc | gem.ExecHandleLUT

	var count uint64

	for !done.Load() {
		for _, e := range engines {
			req.Engine = e.Flag

			if err := h.submit.Submit(&req); err != nil {
				return count, errors.Wrapf(err, "%s", e.Name)
			}
		}

		count += uint64(len(engines))
	}

	// Leave nothing running behind the measurement.
	return count, bo.Sync()
}

// sleepAndMeasure arms a timer a little into the future until done and
// records how late each wakeup was.
func (h *Harness) sleepAndMeasure(log logr.Logger, cfg *SysConfig, cpu int, done *atomic.Bool) *stats.RunningMean {
	defer h.place(log, cfg, cpu, true)()

	var lateness stats.RunningMean

	now := h.Clock.Now()

	for !done.Load() {
		target := now.Add(wakeupBase + rand.N(wakeupJitter))

		t := h.Clock.NewTimer(target.Sub(h.Clock.Now()))
		<-t.C()

		now = h.Clock.Now()
		lateness.Add(float64(now.Sub(target).Nanoseconds()))
	}

	return &lateness
}

// RunSys loads the GPU from every CPU while measuring how late timers fire
// on each of them.
func (h *Harness) RunSys(ctx context.Context, cfg SysConfig) (*SysResult, error) {
	if cfg.CPUs <= 0 {
		cfg.CPUs = runtime.NumCPU()
	}

	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}

	log := klog.FromContext(ctx)

	if lowLatency, err := forceLowLatency(); err != nil {
		log.Info("CPU idle states stay enabled", "err", err)
	} else {
		defer lowLatency.Close()
	}

	res := &SysResult{
		CPUs:             cfg.CPUs,
		MeasurementError: MinMeasurementError(h.Clock),
	}

	var done atomic.Bool

	if cfg.Duration > 0 {
		alarm := h.Clock.AfterFunc(cfg.Duration, func() { done.Store(true) })
		defer alarm.Stop()
	}

	stop := context.AfterFunc(ctx, func() { done.Store(true) })
	defer stop()

	var g errgroup.Group

	counts := make([]uint64, cfg.CPUs)
	means := make([]*stats.RunningMean, cfg.CPUs)

	for cpu := range cfg.CPUs {
		clog := log.WithValues("cpu", cpu)

		if !cfg.DryRun {
			g.Go(func() error {
				var err error

				counts[cpu], err = h.spin(clog, &cfg, cpu, &done)
				if err != nil {
					done.Store(true)
				}

				return err
			})
		}

		g.Go(func() error {
			means[cpu] = h.sleepAndMeasure(clog, &cfg, cpu, &done)
			return nil
		})
	}

	log.V(1).Info("Running", "cpus", cfg.CPUs, "gpu load", !cfg.DryRun, "duration", cfg.Duration)

	if err := g.Wait(); err != nil {
		return nil, err
	}

	cycles := stats.NewSeries(cfg.CPUs)
	mean := stats.NewSeries(cfg.CPUs)
	worst := stats.NewSeries(cfg.CPUs)

	for cpu := range cfg.CPUs {
		if !cfg.DryRun {
			if err := cycles.Push(counts[cpu]); err != nil {
				return nil, err
			}
		}

		if err := mean.PushFloat(means[cpu].Mean()); err != nil {
			return nil, err
		}

		if err := worst.PushFloat(means[cpu].Max()); err != nil {
			return nil, err
		}
	}

	if cycles.Len() > 0 {
		res.Cycles = cycles.Mean()
	}

	res.Mean = mean.Mean() - res.MeasurementError

	maxLateness, err := stats.LEstimate(worst)
	if err != nil {
		return nil, err
	}

	res.Max = maxLateness - res.MeasurementError

	return res, nil
}
