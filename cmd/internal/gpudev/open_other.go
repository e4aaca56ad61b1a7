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

//go:build !linux

package gpudev

import (
	"github.com/pkg/errors"

	"github.com/intel/i915-gem-latency/pkg/discovery"
)

func openCard(_ *discovery.Scanner, _ discovery.Card, node string) (*GPU, error) {
	return nil, errors.Errorf("%s: i915 devices need Linux, use -fake", node)
}
