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

import (
	"math"
)

const (
	trimeanThreshold = 9
	medianThreshold  = 5
)

// Estimator names the statistic LEstimate picked.
type Estimator int

const (
	EstimatorMean Estimator = iota
	EstimatorMedian
	EstimatorTrimean
)

func (e Estimator) String() string {
	switch e {
	case EstimatorMean:
		return "mean"
	case EstimatorMedian:
		return "median"
	case EstimatorTrimean:
		return "trimean"
	}

	return "unknown"
}

// EstimatorFor returns the estimator used for n samples: trimean above 9,
// median above 5, mean otherwise.
func EstimatorFor(n int) Estimator {
	switch {
	case n > trimeanThreshold:
		return EstimatorTrimean
	case n > medianThreshold:
		return EstimatorMedian
	default:
		return EstimatorMean
	}
}

// LEstimate reduces the series to a single location estimate. Every result
// the tools print goes through this so runs stay comparable.
func LEstimate(s *Series) (float64, error) {
	if s.Len() == 0 {
		return math.NaN(), ErrNoSamples
	}

	switch EstimatorFor(s.Len()) {
	case EstimatorTrimean:
		return s.Trimean(), nil
	case EstimatorMedian:
		return s.Median(), nil
	default:
		return s.Mean(), nil
	}
}
