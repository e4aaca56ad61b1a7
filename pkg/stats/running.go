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

package stats

import "math"

// RunningMean keeps count, mean, variance and extremes of a stream without
// storing the samples.
type RunningMean struct {
	count uint64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// Add folds one sample in (Welford's update).
func (r *RunningMean) Add(v float64) {
	if r.count == 0 || v < r.min {
		r.min = v
	}

	if r.count == 0 || v > r.max {
		r.max = v
	}

	r.count++
	delta := v - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (v - r.mean)
}

func (r *RunningMean) Count() uint64 { return r.count }

func (r *RunningMean) Mean() float64 {
	if r.count == 0 {
		return math.NaN()
	}

	return r.mean
}

func (r *RunningMean) Min() float64 { return r.min }

func (r *RunningMean) Max() float64 { return r.max }

func (r *RunningMean) Variance() float64 {
	if r.count == 0 {
		return math.NaN()
	}

	return r.m2 / float64(r.count)
}
