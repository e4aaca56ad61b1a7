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

package report

import (
	"io"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/intel/i915-gem-latency/pkg/harness"
	"github.com/intel/i915-gem-latency/pkg/stats"
)

// Host describes the machine a result came from.
type Host struct {
	CPU      string
	Cores    int
	Threads  int
	Platform string
	Gen      int
	Tiles    int
	// NUMA is the node of the GPU, -1 when unknown.
	NUMA int
}

// LocalHost fills in the CPU part of Host.
func LocalHost() Host {
	return Host{
		CPU:     cpuid.CPU.BrandName,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: cpuid.CPU.LogicalCores,
	}
}

// TagFromLocale turns a POSIX locale like "de_DE.UTF-8" into a language
// tag, language.Und when it can't.
func TagFromLocale(locale string) language.Tag {
	locale, _, _ = strings.Cut(locale, ".")
	locale, _, _ = strings.Cut(locale, "@")

	if locale == "" || locale == "C" || locale == "POSIX" {
		return language.Und
	}

	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return language.Und
	}

	return tag
}

// Printer formats a human readable summary in one language.
type Printer struct {
	p *message.Printer
}

// NewPrinter returns a Printer for tag, falling back to English.
func NewPrinter(tag language.Tag) *Printer {
	if tag == language.Und {
		tag = language.English
	}

	return &Printer{p: message.NewPrinter(tag)}
}

func (p *Printer) host(w io.Writer, h Host) {
	p.p.Fprintf(w, "%-12s %s (%d cores, %d threads)\n", "host", h.CPU, h.Cores, h.Threads)

	if h.Gen > 0 {
		p.p.Fprintf(w, "%-12s %s gen%d, %d tile(s)", "gpu", h.Platform, h.Gen, max(h.Tiles, 1))

		if h.NUMA >= 0 {
			p.p.Fprintf(w, ", NUMA node %d", h.NUMA)
		}

		p.p.Fprintf(w, "\n")
	}
}

// quantiles ends the current line with the sample distribution.
func (p *Printer) quantiles(w io.Writer, samples *stats.Series) error {
	sk, err := stats.NewSketch(stats.DefaultRelativeAccuracy)
	if err != nil {
		return err
	}

	for _, v := range samples.Values() {
		if err := sk.Add(v * ticksToMicros); err != nil {
			return err
		}
	}

	for _, q := range Quantiles {
		v, err := sk.Quantile(q)
		if errors.Is(err, stats.ErrNoSamples) {
			p.p.Fprintf(w, " p%.0f=n/a", q*100)
			continue
		} else if err != nil {
			return err
		}

		p.p.Fprintf(w, " p%.0f=%.3fus", q*100, v)
	}

	p.p.Fprintf(w, "\n")

	return nil
}

// Latency writes the summary table of a gem_latency run.
func (p *Printer) Latency(w io.Writer, h Host, r *harness.Result) error {
	p.host(w, h)
	p.p.Fprintf(w, "%-12s %s\n", "engine", r.Engine)
	p.p.Fprintf(w, "%-12s %d by %d producers\n", "iterations", r.Complete, r.Runs)

	p.p.Fprintf(w, "%-12s %.3fus", "throughput", r.ThroughputMicros())

	if err := p.quantiles(w, r.ThroughputSamples); err != nil {
		return errors.Wrap(err, "throughput")
	}

	p.p.Fprintf(w, "%-12s %.3fus", "latency", r.LatencyMicros())

	if err := p.quantiles(w, r.LatencySamples); err != nil {
		return errors.Wrap(err, "latency")
	}

	p.p.Fprintf(w, "%-12s %d\n", "fallbacks", r.Fallbacks)

	return nil
}

// SysLatency writes the summary table of a gem_syslatency run.
func (p *Printer) SysLatency(w io.Writer, h Host, r *harness.SysResult) {
	p.host(w, h)
	p.p.Fprintf(w, "%-12s %d\n", "cpus", r.CPUs)
	p.p.Fprintf(w, "%-12s %.0f\n", "cycles", r.Cycles)
	p.p.Fprintf(w, "%-12s %.3fus\n", "mean", r.MeanMicros())
	p.p.Fprintf(w, "%-12s %.0fus\n", "max", r.MaxMicros())
	p.p.Fprintf(w, "%-12s %.0fns\n", "clock read", r.MeasurementError)
}
