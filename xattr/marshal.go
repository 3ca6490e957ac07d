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

package xattr

import (
	"syscall"

	"github.com/attrvisor/attrvisor/domain"
)

// Response construction helpers. These encode the kernel's xattr buffer
// conventions so the rest of the pipeline never has to think about them.

// successResponse builds a response carrying a zero return value, as set and
// remove operations produce on success.
func successResponse(reqId uint64) *domain.SyscallResponse {
	return &domain.SyscallResponse{
		ReqId: reqId,
		Val:   0,
	}
}

// errorResponse builds a response reflecting the given error into the tracee
// as a syscall errno. Non-errno errors degrade to EINVAL.
func errorResponse(reqId uint64, err error) *domain.SyscallResponse {

	errno, ok := err.(syscall.Errno)
	if !ok {
		errno = syscall.EINVAL
	}

	return &domain.SyscallResponse{
		ReqId: reqId,
		Errno: errno,
	}
}

// passThroughResponse instructs the tracer to let the kernel execute the
// trapped syscall unmodified.
func passThroughResponse(reqId uint64) *domain.SyscallResponse {
	return &domain.SyscallResponse{
		ReqId:       reqId,
		PassThrough: true,
	}
}

// bufferResponse builds a response for the buffer-returning operations (get
// and list), honoring the kernel's size-query protocol:
//
//   - A zero-size caller buffer is a size query: return the full size and no
//     payload.
//   - A caller buffer smaller than the payload yields ERANGE.
//   - Otherwise return the payload and its size.
func bufferResponse(reqId uint64, callerSize uint64,
	data []byte) *domain.SyscallResponse {

	full := uint64(len(data))

	if callerSize == 0 {
		return &domain.SyscallResponse{
			ReqId: reqId,
			Val:   full,
		}
	}

	if full > callerSize {
		return errorResponse(reqId, syscall.ERANGE)
	}

	return &domain.SyscallResponse{
		ReqId: reqId,
		Val:   full,
		Data:  data,
	}
}

// packXattrNames serializes attribute names into the NUL-separated list
// format that listxattr(2) writes into the caller's buffer. An empty name
// set packs to an empty buffer.
func packXattrNames(names []string) []byte {

	var size int
	for _, n := range names {
		size += len(n) + 1
	}

	buf := make([]byte, 0, size)
	for _, n := range names {
		buf = append(buf, n...)
		buf = append(buf, 0)
	}

	return buf
}
