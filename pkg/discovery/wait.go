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

package discovery

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const pollInterval = 100 * time.Millisecond

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WaitForNode blocks until path exists, e.g. a device node udev has not
// created yet after the driver was bound.
func WaitForNode(ctx context.Context, path string, timeout time.Duration) error {
	if exists(path) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.V(2).Infof("no inotify (%v), polling for %s", err, path)
		return pollForNode(ctx, path, timeout)
	}
	defer watcher.Close()

	if err = watcher.Add(filepath.Dir(path)); err != nil {
		klog.V(2).Infof("can't watch %s (%v), polling", filepath.Dir(path), err)
		return pollForNode(ctx, path, timeout)
	}

	// Created between the first check and the watch.
	if exists(path) {
		return nil
	}

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Has(fsnotify.Create) && ev.Name == path {
				return nil
			}
		case err := <-watcher.Errors:
			return errors.WithStack(err)
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %s", path)
		}
	}
}

func pollForNode(ctx context.Context, path string, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, pollInterval, timeout, true,
		func(context.Context) (bool, error) {
			return exists(path), nil
		})

	return errors.Wrapf(err, "waiting for %s", path)
}
