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

package config

import (
	"flag"

	"k8s.io/apimachinery/pkg/util/sets"
)

// FlagSet binds command line flags to an Options value and knows which of
// them were given explicitly.
type FlagSet struct {
	fs *flag.FlagSet
	// Flags holds the parsed values.
	Flags *Options
	// Config is the -config file name.
	Config string
	copy   map[string]func(dst, src *Options)
}

// NewFlagSet registers the device flags and -config on fs.
func NewFlagSet(fs *flag.FlagSet) *FlagSet {
	f := &FlagSet{fs: fs, Flags: Default(), copy: map[string]func(dst, src *Options){}}
	d := &f.Flags.Device

	fs.StringVar(&f.Config, "config", "", "YAML, JSON or INI file with default options")
	f.str("d", &d.Path, func(o *Options) *string { return &o.Device.Path }, "DRM device node, first Intel GPU if empty")
	f.str("root", &d.Root, func(o *Options) *string { return &o.Device.Root }, "root of the sysfs, debugfs and devfs trees to scan")
	f.str("allow-ids", &d.AllowIDs, func(o *Options) *string { return &o.Device.AllowIDs }, "comma separated PCI device ids to consider")
	f.str("deny-ids", &d.DenyIDs, func(o *Options) *string { return &o.Device.DenyIDs }, "comma separated PCI device ids to skip")
	f.int("fake", &d.Fake, func(o *Options) *int { return &o.Device.Fake }, "run on an in-memory device of this generation")

	return f
}

func (f *FlagSet) str(name string, p *string, field func(*Options) *string, usage string) {
	f.fs.StringVar(p, name, *p, usage)
	f.copy[name] = func(dst, src *Options) { *field(dst) = *field(src) }
}

func (f *FlagSet) int(name string, p *int, field func(*Options) *int, usage string) {
	f.fs.IntVar(p, name, *p, usage)
	f.copy[name] = func(dst, src *Options) { *field(dst) = *field(src) }
}

func (f *FlagSet) bool(name string, p *bool, field func(*Options) *bool, usage string) {
	f.fs.BoolVar(p, name, *p, usage)
	f.copy[name] = func(dst, src *Options) { *field(dst) = *field(src) }
}

// AddLatencyFlags registers the gem_latency options.
func (f *FlagSet) AddLatencyFlags() {
	l := &f.Flags.Latency

	f.int("p", &l.Producers, func(o *Options) *int { return &o.Latency.Producers }, "how many threads generate work")
	f.int("c", &l.Consumers, func(o *Options) *int { return &o.Latency.Consumers }, "how many threads wait upon each piece of work")
	f.int("n", &l.Nops, func(o *Options) *int { return &o.Latency.Nops }, "extra dispatch contention and interrupts")
	f.int("w", &l.Workload, func(o *Options) *int { return &o.Latency.Workload }, "amount of real work done per iteration")
	f.int("t", &l.Seconds, func(o *Options) *int { return &o.Latency.Seconds }, "how long to run the benchmark for (seconds)")
	f.bool("s", &l.Contexts, func(o *Options) *bool { return &o.Latency.Contexts }, "use a separate context per producer")
	f.str("e", &l.Engine, func(o *Options) *string { return &o.Latency.Engine }, "engine to measure")
	f.str("prom", &l.Prometheus, func(o *Options) *string { return &o.Latency.Prometheus }, "write a Prometheus textfile here")

	f.fs.DurationVar(&l.SyncTimeout.Duration, "sync-timeout", 0, "bound every completion wait, 0 waits forever")
	f.copy["sync-timeout"] = func(dst, src *Options) { dst.Latency.SyncTimeout = src.Latency.SyncTimeout }

	// -w only ever adds work.
	copyWorkload := f.copy["w"]
	f.copy["w"] = func(dst, src *Options) {
		copyWorkload(dst, src)
		dst.Latency.Workload = max(dst.Latency.Workload, 1)
	}
}

// AddSysLatencyFlags registers the gem_syslatency options.
func (f *FlagSet) AddSysLatencyFlags() {
	s := &f.Flags.SysLatency

	f.int("t", &s.Seconds, func(o *Options) *int { return &o.SysLatency.Seconds }, "how long to run the benchmark for (seconds), negative runs forever")
	f.int("f", &s.Field, func(o *Options) *int { return &o.SysLatency.Field }, "print only one field: 0 cycles, 1 mean, 2 max")
	f.bool("n", &s.DryRun, func(o *Options) *bool { return &o.SysLatency.DryRun }, "dry run, measure the baseline system latency")
	f.int("cpus", &s.CPUs, func(o *Options) *int { return &o.SysLatency.CPUs }, "number of CPUs to load, all online CPUs if 0")
	f.bool("pin", &s.Pin, func(o *Options) *bool { return &o.SysLatency.Pin }, "bind threads to CPUs and run wakers SCHED_FIFO")
	f.str("prom", &s.Prometheus, func(o *Options) *string { return &o.SysLatency.Prometheus }, "write a Prometheus textfile here")
}

// Resolve returns the effective options: the -config file (or the defaults)
// with every explicitly given flag applied on top. The flag set must have
// been parsed.
func (f *FlagSet) Resolve() (*Options, error) {
	opts := Default()

	if f.Config != "" {
		var err error

		if opts, err = Load(f.Config); err != nil {
			return nil, err
		}
	}

	set := sets.New[string]()

	f.fs.Visit(func(fl *flag.Flag) {
		set.Insert(fl.Name)
	})

	for _, name := range sets.List(set) {
		if cp, ok := f.copy[name]; ok {
			cp(opts, f.Flags)
		}
	}

	return opts, opts.Verify()
}
