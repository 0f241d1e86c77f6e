// Copyright 2026 The MemSentry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moerr

import (
	"errors"
	"fmt"
)

const (
	// 0 - 99 is OK. They carry no info and need no allocation.
	Ok uint16 = 0

	OkMax uint16 = 99

	// Group 1: internal errors
	ErrStart    uint16 = 20100
	ErrInternal uint16 = 20101
	ErrOOM      uint16 = 20103

	// Group 2: invalid input
	ErrBadConfig    uint16 = 20300
	ErrInvalidInput uint16 = 20301
	ErrInvalidArg   uint16 = 20303

	// Group 3: unexpected state
	ErrInvalidState uint16 = 20400

	ErrEnd uint16 = 65535
)

type Error struct {
	code    uint16
	message string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Succeeded() bool {
	return e.code < OkMax
}

func newError(code uint16, format string, args ...any) *Error {
	return &Error{
		code:    code,
		message: fmt.Sprintf(format, args...),
	}
}

func NewInternalError(format string, args ...any) *Error {
	return newError(ErrInternal, "internal error: "+format, args...)
}

func NewOOM() *Error {
	return newError(ErrOOM, "out of memory")
}

func NewBadConfig(format string, args ...any) *Error {
	return newError(ErrBadConfig, "invalid configuration: "+format, args...)
}

func NewInvalidInput(format string, args ...any) *Error {
	return newError(ErrInvalidInput, "invalid input: "+format, args...)
}

func NewInvalidArg(arg string, val any) *Error {
	return newError(ErrInvalidArg, "invalid argument %s, bad value %v", arg, val)
}

func NewInvalidState(format string, args ...any) *Error {
	return newError(ErrInvalidState, "invalid state: "+format, args...)
}

// IsErrCode reports whether err is a moerr carrying the given code.
func IsErrCode(err error, code uint16) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.code == code
	}
	return false
}
