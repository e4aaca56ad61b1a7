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

// gem_fakedev writes a fake i915 sysfs, debugfs and devfs tree that
// gem_latency -root can scan.
package main

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/intel/i915-gem-latency/pkg/fakedri"
)

func options(jsonSpec, yamlFile, path string) (fakedri.GenOptions, error) {
	var (
		opts fakedri.GenOptions
		err  error
	)

	switch {
	case jsonSpec != "" && yamlFile != "":
		return opts, errors.New("give either -json or -yaml, not both")
	case jsonSpec != "":
		opts, err = fakedri.GetOptionsByJSON(jsonSpec)
	case yamlFile != "":
		var data []byte

		if data, err = os.ReadFile(yamlFile); err != nil {
			return opts, errors.Wrap(err, "can't read YAML spec")
		}

		opts, err = fakedri.GetOptionsByYAML(string(data))
	default:
		return opts, errors.New("no fake device spec provided")
	}

	if err != nil {
		return opts, err
	}

	if path != "" {
		opts.Path = path
	}

	if opts.Path == "" || opts.Path == "/" {
		return opts, errors.Errorf("refusing to generate into %q", opts.Path)
	}

	return opts, nil
}

func main() {
	var jsonSpec, yamlFile, path string

	klog.InitFlags(nil)
	flag.StringVar(&jsonSpec, "json", "", "JSON spec for fake device sysfs, debugfs and devfs content")
	flag.StringVar(&yamlFile, "yaml", "", "YAML file with the fake device spec")
	flag.StringVar(&path, "path", "", "directory to generate into, overrides the spec")
	flag.Parse()

	defer klog.Flush()

	opts, err := options(jsonSpec, yamlFile, path)
	if err != nil {
		klog.Fatalf("ERROR: %v", err)
	}

	if err := fakedri.GenerateDriFiles(opts); err != nil {
		klog.Fatalf("ERROR: %+v", err)
	}
}
