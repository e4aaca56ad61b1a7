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

// gem_latency measures how quickly waiters wake up after a GPU batch
// completes, and the dispatch rate of a chain of batches.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/intel/i915-gem-latency/cmd/internal/gpudev"
	"github.com/intel/i915-gem-latency/pkg/config"
	"github.com/intel/i915-gem-latency/pkg/discovery"
	"github.com/intel/i915-gem-latency/pkg/harness"
	"github.com/intel/i915-gem-latency/pkg/report"
)

func harnessConfig(o *config.LatencyOptions) harness.Config {
	return harness.Config{
		Engine:      o.Engine,
		Producers:   o.Producers,
		Consumers:   o.Consumers,
		Nops:        o.Nops,
		Workload:    o.Workload,
		Duration:    time.Duration(o.Seconds) * time.Second,
		Contexts:    o.Contexts,
		SyncTimeout: o.SyncTimeout.Duration,
	}
}

func run(ctx context.Context, opts *config.Options, stdout, stderr io.Writer, summary bool) (int, error) {
	gpu, err := gpudev.Open(ctx, opts.Device)
	if err != nil {
		return 1, err
	}

	defer func() {
		if err := gpu.Close(); err != nil {
			klog.Warningf("closing the device: %v", err)
		}
	}()

	// Needs the BCS timestamp.
	if err := discovery.RequireGeneration(gpu.Profile, discovery.MinGeneration); err != nil {
		klog.Warning(err)
		return gpudev.SkipExitCode, nil
	}

	h := harness.New(gpu.Device, gpu.Registers, gpu.Profile)

	res, err := h.Run(ctx, harnessConfig(&opts.Latency))
	if err != nil {
		return 1, err
	}

	if err := report.Latency(stdout, res); err != nil {
		return 1, err
	}

	if summary {
		p := report.NewPrinter(report.TagFromLocale(os.Getenv("LANG")))
		if err := p.Latency(stderr, gpu.Host(), res); err != nil {
			return 1, err
		}
	}

	if path := opts.Latency.Prometheus; path != "" {
		families, err := report.LatencyFamilies(res)
		if err != nil {
			return 1, err
		}

		if err := report.WriteTextfile(path, families); err != nil {
			return 1, err
		}
	}

	if increases := gpu.CheckErrors(); len(increases) > 0 {
		return 1, errors.Errorf("GPU reported %d fatal error(s) during the run", len(increases))
	}

	return 0, nil
}

func main() {
	var summary bool

	klog.InitFlags(nil)

	flags := config.NewFlagSet(flag.CommandLine)
	flags.AddLatencyFlags()
	flag.BoolVar(&summary, "summary", false, "print a summary table to stderr")
	flag.Parse()

	opts, err := flags.Resolve()
	if err != nil {
		klog.Fatalf("invalid options: %+v", err)
	}

	klog.V(1).Infof("options:\n%s", opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code, err := run(ctx, opts, os.Stdout, os.Stderr, summary)
	if err != nil {
		klog.Errorf("gem_latency: %+v", err)
	}

	stop()
	klog.Flush()
	os.Exit(code)
}
