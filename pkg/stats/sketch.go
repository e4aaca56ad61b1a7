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
	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/pkg/errors"
)

// DefaultRelativeAccuracy is the quantile error bound used for reports.
const DefaultRelativeAccuracy = 0.01

// Sketch is a mergeable quantile summary. Unlike Series it never holds the
// raw samples, so per-thread sketches can be combined cheaply.
type Sketch struct {
	sketch *ddsketch.DDSketch
	sum    float64
}

// NewSketch returns an empty sketch with the given relative accuracy.
func NewSketch(relativeAccuracy float64) (*Sketch, error) {
	s, err := ddsketch.NewDefaultDDSketch(relativeAccuracy)
	if err != nil {
		return nil, errors.Wrap(err, "ddsketch")
	}

	return &Sketch{sketch: s}, nil
}

// SketchOf returns a sketch holding every sample of the series.
func SketchOf(s *Series, relativeAccuracy float64) (*Sketch, error) {
	sk, err := NewSketch(relativeAccuracy)
	if err != nil {
		return nil, err
	}

	for _, v := range s.values {
		if err := sk.Add(v); err != nil {
			return nil, err
		}
	}

	return sk, nil
}

func (k *Sketch) Add(v float64) error {
	if err := k.sketch.Add(v); err != nil {
		return errors.Wrapf(err, "can't add %g to sketch", v)
	}

	k.sum += v

	return nil
}

// Merge folds other into k.
func (k *Sketch) Merge(other *Sketch) error {
	if err := k.sketch.MergeWith(other.sketch); err != nil {
		return errors.Wrap(err, "sketch merge")
	}

	k.sum += other.sum

	return nil
}

func (k *Sketch) Count() float64 {
	return k.sketch.GetCount()
}

func (k *Sketch) Sum() float64 {
	return k.sum
}

// Quantile returns the approximate value at quantile q in [0, 1].
func (k *Sketch) Quantile(q float64) (float64, error) {
	if k.sketch.IsEmpty() {
		return 0, ErrNoSamples
	}

	v, err := k.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0, errors.Wrapf(err, "quantile %g", q)
	}

	return v, nil
}
