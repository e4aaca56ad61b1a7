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

// Package config loads benchmark options from files and command lines.
//
// A file may preset any option. Flags given explicitly on the command line
// win over the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

const (
	defaultSeconds = 10
	defaultEngine  = "blt"
	// Field -1 prints the full syslatency summary line.
	allFields = -1
)

var pciIDRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{4}$`)

// Duration is a time.Duration written as "1.5s" in files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string like \"500ms\"")
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}

	d.Duration = v

	return nil
}

// DeviceOptions pick the GPU.
type DeviceOptions struct {
	// Path is the DRM node to open. Empty picks the first Intel GPU.
	Path string `json:"path,omitempty"`
	// Root is where sysfs, debugfs and devfs are looked up, "/" unless set.
	Root string `json:"root,omitempty"`
	// AllowIDs and DenyIDs are comma separated PCI device ids.
	AllowIDs string `json:"allowIDs,omitempty"`
	DenyIDs  string `json:"denyIDs,omitempty"`
	// Fake runs against an in-memory device of the given generation.
	Fake int `json:"fake,omitempty"`
}

// LatencyOptions shape a gem_latency run.
type LatencyOptions struct {
	Engine      string   `json:"engine,omitempty"`
	Prometheus  string   `json:"prometheus,omitempty"`
	SyncTimeout Duration `json:"syncTimeout,omitempty"`
	Producers   int      `json:"producers,omitempty"`
	Consumers   int      `json:"consumers,omitempty"`
	Nops        int      `json:"nops,omitempty"`
	Workload    int      `json:"workload,omitempty"`
	Seconds     int      `json:"seconds,omitempty"`
	Contexts    bool     `json:"contexts,omitempty"`
}

// SysLatencyOptions shape a gem_syslatency run.
type SysLatencyOptions struct {
	Prometheus string `json:"prometheus,omitempty"`
	// Seconds < 0 runs until interrupted.
	Seconds int `json:"seconds,omitempty"`
	// Field selects a single output value, -1 prints all of them.
	Field  int  `json:"field,omitempty"`
	CPUs   int  `json:"cpus,omitempty"`
	DryRun bool `json:"dryRun,omitempty"`
	Pin    bool `json:"pin,omitempty"`
}

// Options is everything a file can hold.
type Options struct {
	Device     DeviceOptions     `json:"device"`
	Latency    LatencyOptions    `json:"latency"`
	SysLatency SysLatencyOptions `json:"syslatency"`
}

// Default returns the options used when neither file nor flags say
// otherwise.
func Default() *Options {
	return &Options{
		Device: DeviceOptions{Root: "/"},
		Latency: LatencyOptions{
			Engine:    defaultEngine,
			Producers: 1,
			Seconds:   defaultSeconds,
		},
		SysLatency: SysLatencyOptions{
			Seconds: defaultSeconds,
			Field:   allFields,
		},
	}
}

// Load reads options from a YAML, JSON or INI file on top of the defaults.
func Load(path string) (*Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read config")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		if err := yaml.UnmarshalStrict(data, opts); err != nil {
			return nil, errors.Wrapf(err, "can't parse %s", path)
		}
	case ".ini", ".conf":
		if err := loadINI(data, opts); err != nil {
			return nil, errors.Wrapf(err, "can't parse %s", path)
		}
	default:
		return nil, errors.Errorf("unknown config format %q", ext)
	}

	return opts, opts.Verify()
}

// ValidatePCIDeviceIDs checks a comma separated list of ids like "0x9a49".
func ValidatePCIDeviceIDs(list string) error {
	if list == "" {
		return nil
	}

	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			return errors.New("empty PCI device ID")
		}

		if !pciIDRegexp.MatchString(id) {
			return errors.Errorf("invalid PCI device ID (%s)", id)
		}
	}

	return nil
}

// Verify rejects malformed options and clamps counts into range.
func (o *Options) Verify() error {
	if err := ValidatePCIDeviceIDs(o.Device.AllowIDs); err != nil {
		return errors.Wrap(err, "allow list")
	}

	if err := ValidatePCIDeviceIDs(o.Device.DenyIDs); err != nil {
		return errors.Wrap(err, "deny list")
	}

	if o.Device.Root == "" {
		o.Device.Root = "/"
	}

	if o.Device.Fake < 0 {
		return errors.Errorf("invalid fake device generation %d", o.Device.Fake)
	}

	l := &o.Latency
	if l.Engine == "" {
		l.Engine = defaultEngine
	}

	l.Producers = max(l.Producers, 1)
	l.Consumers = max(l.Consumers, 0)
	l.Nops = max(l.Nops, 0)
	l.Workload = max(l.Workload, 0)
	l.Seconds = max(l.Seconds, 1)

	if l.SyncTimeout.Duration < 0 {
		return errors.Errorf("negative sync timeout %v", l.SyncTimeout.Duration)
	}

	s := &o.SysLatency
	if s.Field < allFields || s.Field > 2 {
		return errors.Errorf("no output field %d, expected 0 to 2", s.Field)
	}

	s.CPUs = max(s.CPUs, 0)

	return nil
}

// String is the options as YAML, for logging.
func (o *Options) String() string {
	b, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Sprintf("%+v", *o)
	}

	return string(b)
}
