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

import "time"

// Device is the buffer-object and submission capability set of a GPU.
type Device interface {
	// Create allocates a buffer object of at least size bytes.
	Create(size uint64) (Handle, error)
	// Map returns a CPU view of [offset, offset+length) of the object.
	Map(h Handle, offset, length uint64, writable bool) ([]byte, error)
	// Unmap releases a view returned by Map.
	Unmap(mapping []byte) error
	// Write uploads data at offset. It may wait for the device.
	Write(h Handle, offset uint64, data []byte) error
	// SetDomain moves the object into the given domains, waiting for any
	// conflicting device access.
	SetDomain(h Handle, read, write Domain) error
	// Sync blocks until no outstanding work references the object.
	Sync(h Handle) error
	// Wait is Sync bounded by timeout. A negative timeout waits forever.
	Wait(h Handle, timeout time.Duration) error
	// CloseHandle drops the process-local reference. Pending work keeps the
	// memory alive.
	CloseHandle(h Handle) error
	// Execbuf queues a request for asynchronous execution.
	Execbuf(req *ExecRequest) error
	ContextCreate() (ContextID, error)
	ContextDestroy(ctx ContextID) error
}

// RegisterReader reads a 32-bit GPU register bypassing the ioctl path.
type RegisterReader interface {
	ReadRegister(offset uint32) uint32
}

// ParamQuerier answers I915_GETPARAM style queries.
type ParamQuerier interface {
	GetParam(param int32) (int32, error)
}
