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

// Package stats summarizes latency samples collected by the benchmark
// harnesses.
package stats

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrCapacityExceeded is returned when a sample is pushed into a full
	// fixed-capacity Series.
	ErrCapacityExceeded = errors.New("sample series capacity exceeded")
	// ErrNoSamples is returned by estimators that need at least one sample.
	ErrNoSamples = errors.New("no samples")
)

// Series is an append-only set of samples. A Series created with NewSeries
// refuses samples beyond its capacity, one created with NewGrowableSeries
// grows without bound.
type Series struct {
	values   []float64
	sorted   []float64
	capacity int
	growable bool
}

// NewSeries returns a Series holding at most capacity samples.
func NewSeries(capacity int) *Series {
	if capacity < 0 {
		capacity = 0
	}

	return &Series{
		values:   make([]float64, 0, capacity),
		capacity: capacity,
	}
}

// NewGrowableSeries returns a Series without a capacity limit.
func NewGrowableSeries() *Series {
	return &Series{growable: true}
}

// Push appends an integer sample, typically a counter delta.
func (s *Series) Push(value uint64) error {
	return s.PushFloat(float64(value))
}

// PushFloat appends a sample.
func (s *Series) PushFloat(value float64) error {
	if !s.growable && len(s.values) >= s.capacity {
		return errors.Wrapf(ErrCapacityExceeded, "push #%d into series of %d", len(s.values)+1, s.capacity)
	}

	s.values = append(s.values, value)
	s.sorted = nil

	return nil
}

// Len returns the number of pushed samples.
func (s *Series) Len() int {
	return len(s.values)
}

// Capacity returns the fixed capacity, or -1 for a growable series.
func (s *Series) Capacity() int {
	if s.growable {
		return -1
	}

	return s.capacity
}

// Values returns a copy of the samples in push order.
func (s *Series) Values() []float64 {
	return append([]float64(nil), s.values...)
}

// Reset drops all samples but keeps the capacity.
func (s *Series) Reset() {
	s.values = s.values[:0]
	s.sorted = nil
}

func (s *Series) ordered() []float64 {
	if s.sorted == nil {
		s.sorted = append([]float64(nil), s.values...)
		sort.Float64s(s.sorted)
	}

	return s.sorted
}

// Sum returns the sum of all samples.
func (s *Series) Sum() float64 {
	sum := 0.0
	for _, v := range s.values {
		sum += v
	}

	return sum
}

// Mean returns the arithmetic mean, NaN for an empty series.
func (s *Series) Mean() float64 {
	if len(s.values) == 0 {
		return math.NaN()
	}

	return s.Sum() / float64(len(s.values))
}

// Min returns the smallest sample, NaN for an empty series.
func (s *Series) Min() float64 {
	if len(s.values) == 0 {
		return math.NaN()
	}

	return s.ordered()[0]
}

// Max returns the largest sample, NaN for an empty series.
func (s *Series) Max() float64 {
	if len(s.values) == 0 {
		return math.NaN()
	}

	sorted := s.ordered()

	return sorted[len(sorted)-1]
}

// Variance returns the population variance.
func (s *Series) Variance() float64 {
	if len(s.values) == 0 {
		return math.NaN()
	}

	mean := s.Mean()
	acc := 0.0

	for _, v := range s.values {
		acc += (v - mean) * (v - mean)
	}

	return acc / float64(len(s.values))
}

// StdDev returns the population standard deviation.
func (s *Series) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}

	if n%2 == 1 {
		return sorted[n/2]
	}

	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Median returns the middle sample, or the average of the two middle samples
// for an even count.
func (s *Series) Median() float64 {
	return median(s.ordered())
}

// Quartiles returns the first quartile, the median and the third quartile.
// Q1 and Q3 are the medians of the lower and upper halves, the middle sample
// of an odd count belongs to neither half. With fewer than three samples all
// three values are the median.
func (s *Series) Quartiles() (q1, q2, q3 float64) {
	sorted := s.ordered()
	n := len(sorted)

	q2 = median(sorted)
	if n < 3 {
		return q2, q2, q2
	}

	q1 = median(sorted[:n/2])
	if n%2 == 1 {
		q3 = median(sorted[n/2+1:])
	} else {
		q3 = median(sorted[n/2:])
	}

	return q1, q2, q3
}

// Trimean returns Tukey's trimean (Q1 + 2*Q2 + Q3) / 4.
func (s *Series) Trimean() float64 {
	q1, q2, q3 := s.Quartiles()

	return (q1 + 2*q2 + q3) / 4
}
