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

package gem

import (
	"time"

	"github.com/pkg/errors"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// BufferObject owns one handle and at most one CPU mapping of it.
type BufferObject struct {
	dev     Device
	mapping []byte
	Size    uint64
	Handle  Handle
}

// NewBufferObject allocates a buffer object of size bytes.
func NewBufferObject(dev Device, size uint64) (*BufferObject, error) {
	h, err := dev.Create(size)
	if err != nil {
		return nil, err
	}

	return &BufferObject{dev: dev, Handle: h, Size: size}, nil
}

// Map maps the whole object, reusing an existing mapping.
func (bo *BufferObject) Map(writable bool) ([]byte, error) {
	if bo.mapping != nil {
		return bo.mapping, nil
	}

	m, err := bo.dev.Map(bo.Handle, 0, bo.Size, writable)
	if err != nil {
		return nil, err
	}

	bo.mapping = m

	return m, nil
}

// Mapping returns the current CPU mapping, nil when unmapped.
func (bo *BufferObject) Mapping() []byte {
	return bo.mapping
}

func (bo *BufferObject) Unmap() error {
	if bo.mapping == nil {
		return nil
	}

	err := bo.dev.Unmap(bo.mapping)
	bo.mapping = nil

	return err
}

func (bo *BufferObject) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > bo.Size {
		return NewOpError("write", bo.Handle, nil,
			errors.Errorf("%d bytes at %d overflow %d byte object", len(data), offset, bo.Size))
	}

	return bo.dev.Write(bo.Handle, offset, data)
}

func (bo *BufferObject) SetDomain(read, write Domain) error {
	return bo.dev.SetDomain(bo.Handle, read, write)
}

func (bo *BufferObject) Sync() error {
	return bo.dev.Sync(bo.Handle)
}

func (bo *BufferObject) Wait(timeout time.Duration) error {
	return bo.dev.Wait(bo.Handle, timeout)
}

// ExecObject returns a fresh list entry for the object.
func (bo *BufferObject) ExecObject() ExecObject {
	return ExecObject{Handle: bo.Handle}
}

// Close unmaps and releases the handle.
func (bo *BufferObject) Close() error {
	if bo.Handle == 0 {
		return nil
	}

	errs := []error{bo.Unmap(), bo.dev.CloseHandle(bo.Handle)}
	bo.Handle = 0

	return utilerrors.NewAggregate(errs)
}
