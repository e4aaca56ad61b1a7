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

// Package report renders benchmark results: the one line summaries other
// tools parse, Prometheus textfiles and a table for people.
package report

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/intel/i915-gem-latency/pkg/harness"
)

// Syslatency output fields.
const (
	FieldAll = iota - 1
	FieldCycles
	FieldMean
	FieldMax
)

// Latency writes "complete/runs: throughput latency" in microseconds.
func Latency(w io.Writer, r *harness.Result) error {
	_, err := fmt.Fprintf(w, "%d/%d: %7.3fus %7.3fus\n", r.Complete, r.Runs, r.ThroughputMicros(), r.LatencyMicros())

	return errors.Wrap(err, "write result")
}

// SysLatency writes one field of r, or all of them for FieldAll.
func SysLatency(w io.Writer, r *harness.SysResult, field int) error {
	var err error

	switch field {
	case FieldAll:
		_, err = fmt.Fprintf(w, "gem_syslatency: cycles=%.0f, latency mean=%.3fus max=%.0fus\n",
			r.Cycles, r.MeanMicros(), r.MaxMicros())
	case FieldCycles:
		_, err = fmt.Fprintf(w, "%.0f\n", r.Cycles)
	case FieldMean:
		_, err = fmt.Fprintf(w, "%.3f\n", r.MeanMicros())
	case FieldMax:
		_, err = fmt.Fprintf(w, "%.0f\n", r.MaxMicros())
	default:
		return errors.Errorf("no output field %d", field)
	}

	return errors.Wrap(err, "write result")
}
