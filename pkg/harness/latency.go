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

// Package harness measures how long it takes for waiters to learn that a
// GPU batch has completed.
//
// Each producer submits optional nop and blit batches followed by a probe
// batch that stores the engine timestamp. It then wakes its consumers and
// every one of them, producer included, waits on the probe. The difference
// between the timestamp read after the wait and the one stored by the GPU is
// the wakeup latency. The time from the start of the iteration to the probe
// executing is the dispatch throughput.
package harness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/intel/i915-gem-latency/pkg/stats"
	"github.com/intel/i915-gem-latency/pkg/submit"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// DefaultDuration is how long a run lasts unless configured otherwise.
const DefaultDuration = 10 * time.Second

// Config selects the shape of a latency run.
type Config struct {
	// Engine is the engine name, blt unless set.
	Engine string
	// Producers submitting independently, at least one.
	Producers int
	// Consumers waiting on each producer's probe.
	Consumers int
	// Nops is the number of empty batches submitted ahead of the probe.
	Nops int
	// Workload is the number of blit batches submitted ahead of the probe.
	Workload int
	Duration time.Duration
	// Contexts gives every producer its own GPU context.
	Contexts bool
	// SyncTimeout bounds each completion wait, zero waits forever.
	SyncTimeout time.Duration
}

// Normalize clamps the counts the way the command line does.
func (c *Config) Normalize() {
	if c.Engine == "" {
		c.Engine = "blt"
	}

	c.Producers = max(c.Producers, 1)
	c.Consumers = max(c.Consumers, 0)
	c.Nops = max(c.Nops, 0)
	c.Workload = max(c.Workload, 0)

	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	} else if c.Duration < time.Second {
		c.Duration = time.Second
	}
}

// Result is the merged outcome of a latency run. Throughput and Latency are
// in timestamp ticks.
type Result struct {
	// ThroughputSamples and LatencySamples hold every raw sample of every
	// thread, in ticks.
	ThroughputSamples *stats.Series
	LatencySamples    *stats.Series
	Engine            string
	// Complete is the number of iterations all producers finished, Runs the
	// number of producers that finished at least one.
	Complete   int
	Runs       int
	Throughput float64
	Latency    float64
	Fallbacks  uint64
}

// ThroughputMicros converts Throughput with the fixed 80ns tick.
func (r *Result) ThroughputMicros() float64 {
	return gem.TimestampTickNs / 1000 * r.Throughput
}

// LatencyMicros converts Latency with the fixed 80ns tick.
func (r *Result) LatencyMicros() float64 {
	return gem.TimestampTickNs / 1000 * r.Latency
}

// Harness runs benchmarks on one device.
type Harness struct {
	dev     gem.Device
	regs    gem.RegisterReader
	profile gem.Profile
	engine  gem.EngineInfo
	submit  *submit.Submitter

	// Clock arms the end of a run.
	Clock clock.WithDelayedExecution
}

// New returns a harness submitting to dev and reading timestamps from regs.
func New(dev gem.Device, regs gem.RegisterReader, profile gem.Profile) *Harness {
	return &Harness{
		dev:     dev,
		regs:    regs,
		profile: profile,
		submit:  submit.New(dev, profile),
		Clock:   clock.RealClock{},
	}
}

func (h *Harness) timestamp() uint32 {
	return h.regs.ReadRegister(h.engine.TimestampReg)
}

type consumer struct {
	latency *stats.Series
	// wake carries one token per iteration and is closed at shutdown.
	wake chan struct{}
}

type producer struct {
	dispatch   *dispatch
	latency    *stats.Series
	throughput *stats.Series
	consumers  []*consumer
	// acks receives one token from every consumer per iteration.
	acks     chan struct{}
	ctx      gem.ContextID
	complete int
}

// wait blocks until the probe of the current iteration has executed.
func (h *Harness) wait(p *producer, timeout time.Duration) error {
	if timeout > 0 {
		return p.dispatch.probe.Wait(timeout)
	}

	return p.dispatch.probe.Sync()
}

// measure waits for the probe and returns the ticks between its execution
// and the wakeup. Counter wraparound is absorbed by unsigned subtraction.
func (h *Harness) measure(p *producer, timeout time.Duration) (uint32, error) {
	if err := h.wait(p, timeout); err != nil {
		return 0, err
	}

	return h.timestamp() - p.dispatch.lastTimestamp(), nil
}

func (h *Harness) iterate(p *producer, cfg *Config) error {
	start := h.timestamp()

	for range cfg.Nops {
		if err := h.submit.Submit(&p.dispatch.nop); err != nil {
			return errors.Wrap(err, "nop")
		}
	}

	for range cfg.Workload {
		if err := h.submit.Submit(&p.dispatch.workload); err != nil {
			return errors.Wrap(err, "workload")
		}
	}

	if err := h.submit.Submit(&p.dispatch.latency); err != nil {
		return errors.Wrap(err, "latency probe")
	}

	// Consumers are released before the producer waits so all of them
	// contend on the same completion.
	for _, c := range p.consumers {
		c.wake <- struct{}{}
	}

	latency, err := h.measure(p, cfg.SyncTimeout)
	if err != nil {
		return err
	}

	if err := p.latency.Push(uint64(latency)); err != nil {
		return err
	}

	return p.throughput.Push(uint64(p.dispatch.lastTimestamp() - start))
}

func (h *Harness) runProducer(log logr.Logger, p *producer, cfg *Config, done *atomic.Bool, failed <-chan struct{}) error {
	defer func() {
		for _, c := range p.consumers {
			close(c.wake)
		}
	}()

	for !done.Load() {
		if err := h.iterate(p, cfg); err != nil {
			return err
		}

		// Rendezvous: the next iteration's wakeup must not race this one.
		for range p.consumers {
			select {
			case <-p.acks:
			case <-failed:
				return nil
			}
		}

		p.complete++

		log.V(5).Info("Iteration done", "complete", p.complete)
	}

	log.V(3).Info("Producer finished", "complete", p.complete)

	return nil
}

func (h *Harness) runConsumer(p *producer, c *consumer, timeout time.Duration) error {
	for range c.wake {
		latency, err := h.measure(p, timeout)
		if err != nil {
			return err
		}

		if err := c.latency.Push(uint64(latency)); err != nil {
			return err
		}

		p.acks <- struct{}{}
	}

	return nil
}

func (h *Harness) setup(cfg *Config) (*shared, []*producer, error) {
	info, err := h.profile.Engine(cfg.Engine)
	if err != nil {
		return nil, nil, err
	}

	h.engine = info

	s, err := newShared(h.dev, h.profile)
	if err != nil {
		return nil, nil, err
	}

	producers := make([]*producer, 0, cfg.Producers)

	for range cfg.Producers {
		p := &producer{
			latency:    stats.NewGrowableSeries(),
			throughput: stats.NewGrowableSeries(),
			acks:       make(chan struct{}, cfg.Consumers),
		}

		// Appended first so teardown covers a half built producer.
		producers = append(producers, p)

		if cfg.Contexts {
			if p.ctx, err = h.dev.ContextCreate(); err != nil {
				return s, producers, errors.Wrap(err, "context")
			}
		}

		if p.dispatch, err = h.newDispatch(s, p.ctx); err != nil {
			return s, producers, err
		}

		for range cfg.Consumers {
			p.consumers = append(p.consumers, &consumer{
				latency: stats.NewGrowableSeries(),
				wake:    make(chan struct{}, 1),
			})
		}
	}

	return s, producers, nil
}

func (h *Harness) teardown(s *shared, producers []*producer) error {
	var errs []error

	for _, p := range producers {
		if p.dispatch != nil {
			errs = append(errs, p.dispatch.Close())
		}

		if p.ctx != gem.DefaultContext {
			errs = append(errs, h.dev.ContextDestroy(p.ctx))
		}
	}

	if s != nil {
		errs = append(errs, s.Close())
	}

	return utilerrors.NewAggregate(errs)
}

// Run executes one latency run. It returns once cfg.Duration has passed or
// ctx is cancelled and every thread has drained, or after the first error.
func (h *Harness) Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg.Normalize()

	log := klog.FromContext(ctx).WithValues("engine", cfg.Engine)

	s, producers, err := h.setup(&cfg)
	if err == nil {
		err = h.run(ctx, log, &cfg, producers)
	}

	if terr := h.teardown(s, producers); err == nil && terr != nil {
		err = errors.Wrap(terr, "teardown")
	}

	if err != nil {
		return nil, err
	}

	return h.merge(&cfg, producers)
}

func (h *Harness) run(ctx context.Context, log logr.Logger, cfg *Config, producers []*producer) error {
	var done atomic.Bool

	alarm := h.Clock.AfterFunc(cfg.Duration, func() { done.Store(true) })
	defer alarm.Stop()

	stop := context.AfterFunc(ctx, func() { done.Store(true) })
	defer stop()

	// The group context is only cancelled by a failing thread.
	g, gctx := errgroup.WithContext(context.Background())

	for i, p := range producers {
		plog := log.WithValues("producer", i)

		for _, c := range p.consumers {
			g.Go(func() error { return h.runConsumer(p, c, cfg.SyncTimeout) })
		}

		g.Go(func() error { return h.runProducer(plog, p, cfg, &done, gctx.Done()) })
	}

	log.V(1).Info("Running", "producers", cfg.Producers, "consumers", cfg.Consumers,
		"nops", cfg.Nops, "workload", cfg.Workload, "duration", cfg.Duration)

	return g.Wait()
}

func (h *Harness) merge(cfg *Config, producers []*producer) (*Result, error) {
	res := &Result{
		Engine:            cfg.Engine,
		ThroughputSamples: stats.NewGrowableSeries(),
		LatencySamples:    stats.NewGrowableSeries(),
		Fallbacks:         h.submit.Fallbacks(),
	}

	throughput := stats.NewSeries(cfg.Producers)
	latency := stats.NewSeries(cfg.Producers * (cfg.Consumers + 1))

	push := func(merged, raw, s *stats.Series) error {
		v, err := stats.LEstimate(s)
		if err != nil {
			return err
		}

		for _, x := range s.Values() {
			if err := raw.PushFloat(x); err != nil {
				return err
			}
		}

		return merged.PushFloat(v)
	}

	for _, p := range producers {
		if p.complete == 0 {
			continue
		}

		res.Runs++
		res.Complete += p.complete

		if err := push(latency, res.LatencySamples, p.latency); err != nil {
			return nil, errors.Wrap(err, "producer latency")
		}

		if err := push(throughput, res.ThroughputSamples, p.throughput); err != nil {
			return nil, errors.Wrap(err, "producer throughput")
		}

		for _, c := range p.consumers {
			if err := push(latency, res.LatencySamples, c.latency); err != nil {
				return nil, errors.Wrap(err, "consumer latency")
			}
		}
	}

	if res.Runs == 0 {
		return nil, errors.Wrap(stats.ErrNoSamples, "no producer completed an iteration")
	}

	var err error

	if res.Throughput, err = stats.LEstimate(throughput); err != nil {
		return nil, err
	}

	if res.Latency, err = stats.LEstimate(latency); err != nil {
		return nil, err
	}

	return res, nil
}
