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
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAllocationFailed = errors.New("buffer object allocation failed")
	ErrMapFailed        = errors.New("buffer object mapping failed")
	ErrSubmitRejected   = errors.New("submission rejected")
	ErrSyncTimeout      = errors.New("timed out waiting for buffer object")
	ErrInvalidHandle    = errors.New("invalid buffer object handle")
	ErrInvalidRequest   = errors.New("invalid execbuffer request")
)

// OpError records a failed device operation. Kind is one of the sentinel
// errors above (or nil) and Err the underlying cause, typically an errno, so
// both errors.Is(err, ErrMapFailed) and errors.Is(err, unix.EINVAL) hold.
type OpError struct {
	Kind   error
	Err    error
	Op     string
	Handle Handle
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Handle != 0 {
		msg = fmt.Sprintf("%s(handle %d)", e.Op, e.Handle)
	}

	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewOpError is a shorthand for building an *OpError.
func NewOpError(op string, h Handle, kind, err error) error {
	return &OpError{Op: op, Handle: h, Kind: kind, Err: err}
}
