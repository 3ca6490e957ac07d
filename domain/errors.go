//
// Copyright 2024 The attrvisor authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import (
	"encoding/json"
	"os"
	"reflect"
	"syscall"
)

//
// IOerror encapsulates kernel-space errors that must travel across the
// nsenter pipe between attrvisor's main and forked instances. Note that
// without this encoding specialization we wouldn't be able to serialize
// generic 'error' interface types; which is precisely the reason that the
// 'RcvError' member below is not exposed to JSON marshalling logic.
//
type IOerror struct {
	RcvError error         `json:"-"`
	Type     string        `json:"type"`
	Code     syscall.Errno `json:"code"`
	Message  string        `json:"message"`
}

func (e IOerror) Error() string {
	return e.Message
}

// MarshalJSON's interface specialization to allow a customized encoding
// of the IOerror struct.
func (e IOerror) MarshalJSON() ([]byte, error) {

	err := e.RcvError
	if err == nil {
		type alias IOerror
		return json.Marshal(alias(e))
	}

	var errcode syscall.Errno

	// Type assertion is needed here to extract the error code corresponding
	// to the different error flavors that may be generated during I/O ops.
	switch v := err.(type) {
	case *os.PathError:
		errcode = v.Err.(syscall.Errno)

	case *os.SyscallError:
		errcode = v.Err.(syscall.Errno)

	case *os.LinkError:
		errcode = v.Err.(syscall.Errno)

	case syscall.Errno:
		errcode = v

	default:
		errcode = syscall.EIO
	}

	e.Type = reflect.TypeOf(err).String()
	e.Code = errcode
	e.Message = err.Error()

	type alias IOerror
	return json.Marshal(alias(e))
}
