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

package gpuerrors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/intel/i915-gem-latency/pkg/fakedri"
)

func fakeCard(t *testing.T, tiles int) string {
	t.Helper()

	opts, err := fakedri.VerifyOptions(fakedri.GenOptions{
		Path:         t.TempDir(),
		DevCount:     1,
		TilesPerDev:  tiles,
		PlainNodes:   true,
		RegisterSize: 4096,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := fakedri.GenerateDriFiles(opts); err != nil {
		t.Fatal(err)
	}

	return filepath.Join(opts.Path, "sys", "class", "drm", "card0")
}

func setCounter(t *testing.T, card, counter, value string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(card, "gt", filepath.Dir(counter), "error_counter", filepath.Base(counter)),
		[]byte(value), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRead(t *testing.T) {
	card := fakeCard(t, 2)

	counters, err := Read(card)
	if err != nil {
		t.Fatal(err)
	}

	expected := Counters{
		"gt0/fatal_guc":    0,
		"gt0/sgunit_fatal": 0,
		"gt1/fatal_guc":    0,
		"gt1/sgunit_fatal": 0,
	}

	if diff := cmp.Diff(expected, counters); diff != "" {
		t.Errorf("unexpected counters (-want +got):\n%s", diff)
	}

	setCounter(t, card, "gt1/fatal_guc", "junk")

	if _, err := Read(card); err == nil {
		t.Error("expected a parse error")
	}
}

func TestReadWithoutTiles(t *testing.T) {
	counters, err := Read(fakeCard(t, 0))
	if err != nil {
		t.Fatal(err)
	}

	if len(counters) != 0 {
		t.Errorf("expected no counters, got %v", counters)
	}
}

func TestWatch(t *testing.T) {
	card := fakeCard(t, 2)
	setCounter(t, card, "gt0/fatal_guc", "3")

	check := Watch(card)

	if increases := check(); len(increases) != 0 {
		t.Errorf("unexpected increases %v", increases)
	}

	setCounter(t, card, "gt0/fatal_guc", "4\n")
	setCounter(t, card, "gt1/sgunit_fatal", "2")

	expected := []Increase{
		{Counter: "gt0/fatal_guc", Delta: 1},
		{Counter: "gt1/sgunit_fatal", Delta: 2},
	}

	if diff := cmp.Diff(expected, check()); diff != "" {
		t.Errorf("unexpected increases (-want +got):\n%s", diff)
	}
}

func TestWatchUnreadable(t *testing.T) {
	card := fakeCard(t, 1)
	setCounter(t, card, "gt0/fatal_guc", "x")

	if increases := Watch(card)(); increases != nil {
		t.Errorf("expected no check, got %v", increases)
	}
}

func TestIncreaseString(t *testing.T) {
	if s := (Increase{Counter: "gt0/fatal_guc", Delta: 2}).String(); s != "gt0/fatal_guc +2" {
		t.Errorf("unexpected %q", s)
	}
}
