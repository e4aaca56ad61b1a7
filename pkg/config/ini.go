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

package config

import (
	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	sectionDevice     = "device"
	sectionLatency    = "latency"
	sectionSysLatency = "syslatency"
)

type iniKey struct {
	parse func(*ini.Key) error
	name  string
}

func stringKey(name string, dst *string) iniKey {
	return iniKey{name: name, parse: func(k *ini.Key) error {
		*dst = k.String()
		return nil
	}}
}

func intKey(name string, dst *int) iniKey {
	return iniKey{name: name, parse: func(k *ini.Key) error {
		v, err := k.Int()
		*dst = v

		return err
	}}
}

func boolKey(name string, dst *bool) iniKey {
	return iniKey{name: name, parse: func(k *ini.Key) error {
		v, err := k.Bool()
		*dst = v

		return err
	}}
}

func durationKey(name string, dst *Duration) iniKey {
	return iniKey{name: name, parse: func(k *ini.Key) error {
		v, err := k.Duration()
		dst.Duration = v

		return err
	}}
}

func (o *Options) iniSections() map[string][]iniKey {
	return map[string][]iniKey{
		sectionDevice: {
			stringKey("path", &o.Device.Path),
			stringKey("root", &o.Device.Root),
			stringKey("allowIDs", &o.Device.AllowIDs),
			stringKey("denyIDs", &o.Device.DenyIDs),
			intKey("fake", &o.Device.Fake),
		},
		sectionLatency: {
			stringKey("engine", &o.Latency.Engine),
			stringKey("prometheus", &o.Latency.Prometheus),
			durationKey("syncTimeout", &o.Latency.SyncTimeout),
			intKey("producers", &o.Latency.Producers),
			intKey("consumers", &o.Latency.Consumers),
			intKey("nops", &o.Latency.Nops),
			intKey("workload", &o.Latency.Workload),
			intKey("seconds", &o.Latency.Seconds),
			boolKey("contexts", &o.Latency.Contexts),
		},
		sectionSysLatency: {
			stringKey("prometheus", &o.SysLatency.Prometheus),
			intKey("seconds", &o.SysLatency.Seconds),
			intKey("field", &o.SysLatency.Field),
			intKey("cpus", &o.SysLatency.CPUs),
			boolKey("dryRun", &o.SysLatency.DryRun),
			boolKey("pin", &o.SysLatency.Pin),
		},
	}
}

func loadINI(data []byte, opts *Options) error {
	file, err := ini.Load(data)
	if err != nil {
		return errors.Wrap(err, "failed to parse ini")
	}

	known := opts.iniSections()

	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}

		keys, ok := known[section.Name()]
		if !ok {
			return errors.Errorf("unknown section [%s]", section.Name())
		}

		klog.V(4).Info(section.Name())

		for _, key := range keys {
			k, err := section.GetKey(key.name)
			if err != nil {
				continue
			}

			if err := key.parse(k); err != nil {
				return errors.Wrapf(err, "Can't parse %s in %s", key.name, section.Name())
			}
		}
	}

	return nil
}
