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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"k8s.io/klog/v2"

	"github.com/intel/i915-gem-latency/pkg/gem"
	"github.com/intel/i915-gem-latency/pkg/harness"
	"github.com/intel/i915-gem-latency/pkg/stats"
)

// Quantiles reported for every summary.
var Quantiles = []float64{0.5, 0.9, 0.99}

const ticksToMicros = gem.TimestampTickNs / 1000

func labels(kv ...string) []*dto.LabelPair {
	var pairs []*dto.LabelPair

	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}

	return pairs
}

// summary turns raw tick samples into a microsecond summary.
func summary(name, help string, samples *stats.Series, lp []*dto.LabelPair) (*dto.MetricFamily, error) {
	sk, err := stats.NewSketch(stats.DefaultRelativeAccuracy)
	if err != nil {
		return nil, err
	}

	for _, v := range samples.Values() {
		if err := sk.Add(v * ticksToMicros); err != nil {
			return nil, err
		}
	}

	s := &dto.Summary{
		SampleCount: proto.Uint64(uint64(sk.Count())),
		SampleSum:   proto.Float64(sk.Sum()),
	}

	for _, q := range Quantiles {
		v, err := sk.Quantile(q)
		if errors.Is(err, stats.ErrNoSamples) {
			break
		} else if err != nil {
			return nil, err
		}

		s.Quantile = append(s.Quantile, &dto.Quantile{Quantile: proto.Float64(q), Value: proto.Float64(v)})
	}

	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_SUMMARY.Enum(),
		Metric: []*dto.Metric{{Label: lp, Summary: s}},
	}, nil
}

func gauge(name, help string, v float64, lp []*dto.LabelPair) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Label: lp, Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v float64, lp []*dto.LabelPair) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Label: lp, Counter: &dto.Counter{Value: proto.Float64(v)}}},
	}
}

// LatencyFamilies describes a gem_latency result.
func LatencyFamilies(r *harness.Result) ([]*dto.MetricFamily, error) {
	lp := labels("engine", r.Engine)

	throughput, err := summary("gem_latency_throughput_us",
		"Time between consecutive batch completions on one producer.", r.ThroughputSamples, lp)
	if err != nil {
		return nil, errors.Wrap(err, "throughput")
	}

	latency, err := summary("gem_latency_latency_us",
		"Time from batch completion to a waiter running.", r.LatencySamples, lp)
	if err != nil {
		return nil, errors.Wrap(err, "latency")
	}

	return []*dto.MetricFamily{
		throughput,
		latency,
		counter("gem_latency_iterations_total", "Iterations completed by all producers.", float64(r.Complete), lp),
		counter("gem_latency_fallbacks_total", "Submissions that needed software relocation.", float64(r.Fallbacks), lp),
		gauge("gem_latency_estimate_throughput_us", "Merged throughput estimate.", r.ThroughputMicros(), lp),
		gauge("gem_latency_estimate_latency_us", "Merged latency estimate.", r.LatencyMicros(), lp),
	}, nil
}

// SysLatencyFamilies describes a gem_syslatency result.
func SysLatencyFamilies(r *harness.SysResult) []*dto.MetricFamily {
	return []*dto.MetricFamily{
		gauge("gem_syslatency_cycles", "Mean batches submitted per CPU.", r.Cycles, nil),
		gauge("gem_syslatency_mean_us", "Mean timer wakeup lateness.", r.MeanMicros(), nil),
		gauge("gem_syslatency_max_us", "Estimated worst timer wakeup lateness.", r.MaxMicros(), nil),
		gauge("gem_syslatency_cpus", "CPUs loaded.", float64(r.CPUs), nil),
	}
}

// WriteText writes families in the Prometheus text format.
func WriteText(w io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "can't encode %s", mf.GetName())
		}
	}

	return nil
}

// WriteTextfile replaces path with the families, for the node exporter
// textfile collector. Readers never see a partial file.
func WriteTextfile(path string, families []*dto.MetricFamily) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gem-latency-*.prom")
	if err != nil {
		return errors.Wrap(err, "can't create temporary file")
	}

	defer os.Remove(tmp.Name())

	if err := WriteText(tmp, families); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "can't close temporary file")
	}

	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return errors.WithStack(err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to rename tmp file to %s", path)
	}

	klog.V(2).Infof("wrote %d metric families to %s", len(families), path)

	return nil
}
