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

// Package gpuerrors reads the per-GT fatal error counters i915 exposes
// under sys/class/drm/cardX/gt/gtN/error_counter.
package gpuerrors

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Counters maps "gtN/name" to a counter value.
type Counters map[string]uint64

// Increase is a counter that grew between two snapshots.
type Increase struct {
	Counter string
	Delta   uint64
}

func (i Increase) String() string {
	return fmt.Sprintf("%s +%d", i.Counter, i.Delta)
}

// Read returns every '*fatal*' counter of every tile of the card whose
// sysfs directory is cardPath. A card without counters yields an empty map.
func Read(cardPath string) (Counters, error) {
	counters := Counters{}

	for tile := 0; ; tile++ {
		gt := fmt.Sprintf("gt%d", tile)

		// match files like 'fatal_guc' and 'sgunit_fatal'
		paths, err := filepath.Glob(path.Join(cardPath, "gt", gt, "error_counter/*fatal*"))
		if err != nil {
			return nil, errors.Wrap(err, "error counter glob failed")
		}

		if len(paths) == 0 {
			klog.V(4).Infof("%d tile(s) with error counters in %s", tile, cardPath)

			return counters, nil
		}

		for _, f := range paths {
			dat, err := os.ReadFile(f)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read error counter")
			}

			value, err := strconv.ParseUint(strings.TrimSpace(string(dat)), 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse %s", f)
			}

			counters[gt+"/"+path.Base(f)] = value
		}
	}
}

// Since lists the counters that grew from before to c, sorted by name.
// Counters missing from before count from zero.
func (c Counters) Since(before Counters) []Increase {
	var out []Increase

	for name, v := range c {
		if old := before[name]; v > old {
			out = append(out, Increase{Counter: name, Delta: v - old})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Counter < out[j].Counter })

	return out
}

// Watch snapshots the counters of a card now and returns a function that
// logs every fatal error counter increase when called. Unreadable counters
// only disable the check.
func Watch(cardPath string) func() []Increase {
	before, err := Read(cardPath)
	if err != nil {
		klog.Warningf("GPU error counters unavailable: %v", err)

		return func() []Increase { return nil }
	}

	return func() []Increase {
		after, err := Read(cardPath)
		if err != nil {
			klog.Warningf("GPU error counters unavailable: %v", err)
			return nil
		}

		increases := after.Since(before)
		for _, inc := range increases {
			klog.Errorf("GPU fatal error counter %s during the run", inc)
		}

		return increases
	}
}
