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
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestLoad(t *testing.T) {
	tcases := []struct {
		name        string
		file        string
		content     string
		expectedErr string
		expected    func(o *Options)
	}{
		{
			name: "yaml",
			file: "opts.yaml",
			content: `
device:
  allowIDs: "0x1912,0x3e92"
latency:
  engine: render
  producers: 4
  consumers: 2
  syncTimeout: 250ms
  contexts: true
syslatency:
  seconds: -1
  field: 1
`,
			expected: func(o *Options) {
				o.Device.AllowIDs = "0x1912,0x3e92"
				o.Latency.Engine = "render"
				o.Latency.Producers = 4
				o.Latency.Consumers = 2
				o.Latency.SyncTimeout = Duration{250 * time.Millisecond}
				o.Latency.Contexts = true
				o.SysLatency.Seconds = -1
				o.SysLatency.Field = 1
			},
		},
		{
			name:    "json",
			file:    "opts.json",
			content: `{"device": {"fake": 9}, "latency": {"nops": 3, "workload": 2}}`,
			expected: func(o *Options) {
				o.Device.Fake = 9
				o.Latency.Nops = 3
				o.Latency.Workload = 2
			},
		},
		{
			name: "ini",
			file: "opts.ini",
			content: `
[device]
root = /tmp/fake
denyIDs = 0x0042

[latency]
engine = bsd
seconds = 3
syncTimeout = 2s

[syslatency]
dryRun = true
cpus = 2
pin = true
`,
			expected: func(o *Options) {
				o.Device.Root = "/tmp/fake"
				o.Device.DenyIDs = "0x0042"
				o.Latency.Engine = "bsd"
				o.Latency.Seconds = 3
				o.Latency.SyncTimeout = Duration{2 * time.Second}
				o.SysLatency.DryRun = true
				o.SysLatency.CPUs = 2
				o.SysLatency.Pin = true
			},
		},
		{
			name:    "counts are clamped",
			file:    "opts.yaml",
			content: "latency:\n  producers: -2\n  consumers: -1\n  seconds: 0\n",
			expected: func(o *Options) {
				o.Latency.Producers = 1
				o.Latency.Seconds = 1
			},
		},
		{
			name:        "unknown field",
			file:        "opts.yaml",
			content:     "latency:\n  threads: 4\n",
			expectedErr: "unknown field",
		},
		{
			name:        "unknown ini section",
			file:        "opts.ini",
			content:     "[gpu]\nengine = blt\n",
			expectedErr: "unknown section",
		},
		{
			name:        "bad ini value",
			file:        "opts.conf",
			content:     "[latency]\nproducers = many\n",
			expectedErr: "Can't parse producers in latency",
		},
		{
			name:        "bad device id",
			file:        "opts.yaml",
			content:     "device:\n  allowIDs: \"1912\"\n",
			expectedErr: "invalid PCI device ID (1912)",
		},
		{
			name:        "bad field",
			file:        "opts.json",
			content:     `{"syslatency": {"field": 3}}`,
			expectedErr: "no output field 3",
		},
		{
			name:        "negative sync timeout",
			file:        "opts.yaml",
			content:     "latency:\n  syncTimeout: -1s\n",
			expectedErr: "negative sync timeout",
		},
		{
			name:        "unknown format",
			file:        "opts.toml",
			content:     "",
			expectedErr: "unknown config format",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := Load(writeConfig(t, tc.file, tc.content))

			if tc.expectedErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.expectedErr) {
					t.Fatalf("expected error containing %q, got %v", tc.expectedErr, err)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			expected := Default()
			tc.expected(expected)

			if diff := cmp.Diff(expected, opts); diff != "" {
				t.Errorf("unexpected options (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestValidatePCIDeviceIDs(t *testing.T) {
	tcases := map[string]bool{
		"":               true,
		"0x1912":         true,
		"0x1912,0x9A49":  true,
		"0x1912, 0x3e92": true,
		"0x1912,":        false,
		"0x191":          false,
		"1912":           false,
		"0xzzzz":         false,
	}

	for list, ok := range tcases {
		err := ValidatePCIDeviceIDs(list)
		if ok != (err == nil) {
			t.Errorf("%q: unexpected result %v", list, err)
		}
	}
}

func TestResolve(t *testing.T) {
	tcases := []struct {
		name     string
		config   string
		sys      bool
		args     []string
		expected func(o *Options)
	}{
		{
			name:     "defaults",
			expected: func(o *Options) {},
		},
		{
			name: "latency flags",
			args: []string{"-p", "2", "-c", "4", "-n", "1", "-s", "-e", "render", "-sync-timeout", "1s", "-fake", "12"},
			expected: func(o *Options) {
				o.Latency.Producers = 2
				o.Latency.Consumers = 4
				o.Latency.Nops = 1
				o.Latency.Contexts = true
				o.Latency.Engine = "render"
				o.Latency.SyncTimeout = Duration{time.Second}
				o.Device.Fake = 12
			},
		},
		{
			name: "explicit zero workload still adds work",
			args: []string{"-w", "0"},
			expected: func(o *Options) {
				o.Latency.Workload = 1
			},
		},
		{
			name:   "flags win over the file",
			config: "latency:\n  producers: 8\n  consumers: 3\n  engine: bsd\n",
			args:   []string{"-c", "1", "-t", "2"},
			expected: func(o *Options) {
				o.Latency.Producers = 8
				o.Latency.Consumers = 1
				o.Latency.Engine = "bsd"
				o.Latency.Seconds = 2
			},
		},
		{
			name:   "unset flags leave the file alone",
			config: "syslatency:\n  cpus: 3\n  field: 0\n",
			sys:    true,
			args:   []string{"-n", "-t", "-1"},
			expected: func(o *Options) {
				o.SysLatency.CPUs = 3
				o.SysLatency.Field = 0
				o.SysLatency.DryRun = true
				o.SysLatency.Seconds = -1
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet(tc.name, flag.ContinueOnError)
			fs.SetOutput(io.Discard)

			f := NewFlagSet(fs)
			if tc.sys {
				f.AddSysLatencyFlags()
			} else {
				f.AddLatencyFlags()
			}

			args := tc.args
			if tc.config != "" {
				args = append([]string{"-config", writeConfig(t, "opts.yaml", tc.config)}, args...)
			}

			if err := fs.Parse(args); err != nil {
				t.Fatal(err)
			}

			opts, err := f.Resolve()
			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}

			expected := Default()
			tc.expected(expected)

			if diff := cmp.Diff(expected, opts); diff != "" {
				t.Errorf("unexpected options (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveRejectsBadFlags(t *testing.T) {
	fs := flag.NewFlagSet("bad", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	f := NewFlagSet(fs)
	f.AddSysLatencyFlags()

	if err := fs.Parse([]string{"-f", "7"}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Resolve(); err == nil {
		t.Error("expected -f 7 to be rejected")
	}
}

func TestOptionsString(t *testing.T) {
	s := Default().String()

	for _, want := range []string{"engine: blt", "producers: 1", "field: -1"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q missing from\n%s", want, s)
		}
	}
}
