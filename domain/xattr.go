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
	"context"
	"syscall"

	mapset "github.com/deckarep/golang-set/v2"
)

// XattrOp represents the operation kind of a trapped *xattr syscall.
type XattrOp int

const (
	XattrOpGet XattrOp = iota
	XattrOpSet
	XattrOpList
	XattrOpRemove
)

func (op XattrOp) String() string {
	switch op {
	case XattrOpGet:
		return "get"
	case XattrOpSet:
		return "set"
	case XattrOpList:
		return "list"
	case XattrOpRemove:
		return "remove"
	}
	return "unknown"
}

// XattrAddrMode represents how the trapped syscall addresses its target:
// through a path, through an open file-descriptor (f*xattr), or through a
// path whose final symlink component must not be dereferenced (l*xattr).
type XattrAddrMode int

const (
	AddrModePath XattrAddrMode = iota
	AddrModeFd
	AddrModeNoFollow
)

// XattrNamespace represents the namespace qualifier of an extended
// attribute name.
type XattrNamespace int

const (
	XattrNsUnknown XattrNamespace = iota
	XattrNsTrusted
	XattrNsUser
	XattrNsSecurity
	XattrNsSystem
	XattrNsNone // list operations carry no attribute name
)

// SyscallEvent is the raw record of one trapped *xattr syscall as delivered
// by the tracer collaborator. Argument buffers (path, name, value) arrive
// already read out of the tracee's address space; Addr/Size describe the
// tracee's result buffer for get/list operations.
type SyscallEvent struct {
	ReqId       uint64 `json:"reqId"`
	Syscall     string `json:"syscall"`
	Pid         uint32 `json:"pid"`
	ContainerId string `json:"containerId"`
	Path        string `json:"path,omitempty"`
	PathFd      int32  `json:"pathFd,omitempty"`
	Name        string `json:"name,omitempty"`
	Val         []byte `json:"val,omitempty"`
	Flags       int    `json:"flags,omitempty"`
	Size        uint64 `json:"size,omitempty"`
}

// XattrCall is the normalized form of a SyscallEvent: all twelve syscall
// variants collapse into one operation kind plus an addressing mode, so the
// rest of the pipeline is addressing-mode independent. An XattrCall is
// immutable once built and consumed exactly once.
type XattrCall struct {
	ReqId       uint64
	Op          XattrOp
	AddrMode    XattrAddrMode
	Namespace   XattrNamespace
	Pid         uint32
	ContainerId string
	Path        string
	PathFd      int32
	Name        string
	Val         []byte
	Flags       int
	Size        uint64
}

// FollowSymlink indicates whether path resolution for this call must
// dereference a trailing symlink component.
func (c *XattrCall) FollowSymlink() bool {
	return c.AddrMode != AddrModeNoFollow
}

// SyscallResponse is the outcome of one intercepted call, packed in the
// calling convention of the original syscall. A PassThrough response tells
// the tracer to let the kernel execute the syscall unmodified.
type SyscallResponse struct {
	ReqId       uint64        `json:"reqId"`
	Errno       syscall.Errno `json:"errno"`
	Val         uint64        `json:"val"`
	Data        []byte        `json:"data,omitempty"`
	PassThrough bool          `json:"passThrough"`
}

// DecisionAction is the policy engine's verdict for a classified call.
type DecisionAction int

const (
	DecisionPassThrough DecisionAction = iota
	DecisionEmulate
	DecisionDeny
	DecisionUnsupported
)

// Decision couples the policy verdict with the errno to surface for the
// deny/unsupported cases.
type Decision struct {
	Action DecisionAction
	Errno  syscall.Errno
}

// XattrPolicy holds the per-container xattr-virtualization configuration.
// It is built once at container registration from the container's
// environment and user-namespace mapping, and is immutable thereafter, so
// concurrent call handling requires no synchronization on it.
type XattrPolicy struct {
	// AllowTrustedXattr gates set/remove emulation of honored trusted.*
	// attributes. Disabling it blocks new writes only; attribute data
	// already persisted on the filesystem is not stripped.
	AllowTrustedXattr bool

	// HonoredXattrs is the set of trusted.* attribute names that attrvisor
	// knows how to virtualize (minimally "trusted.overlay.opaque").
	HonoredXattrs mapset.Set[string]

	// UidOffset/GidOffset map container ids to host ids per the container's
	// user-namespace mapping (host id = container id + offset).
	UidOffset uint32
	GidOffset uint32
}

// Clone returns a deep copy of the policy; in-flight calls operate on the
// snapshot they started with even if the container record is replaced.
func (p *XattrPolicy) Clone() *XattrPolicy {
	if p == nil {
		return nil
	}
	return &XattrPolicy{
		AllowTrustedXattr: p.AllowTrustedXattr,
		HonoredXattrs:     p.HonoredXattrs.Clone(),
		UidOffset:         p.UidOffset,
		GidOffset:         p.GidOffset,
	}
}

// XattrServiceIface is the entrypoint used by the transport layer to hand
// trapped syscall events to the virtualization pipeline.
type XattrServiceIface interface {
	Setup(
		css ContainerStateServiceIface,
		prs ProcessServiceIface,
		nss NSenterServiceIface)

	// ProcessEvent classifies, resolves and executes one trapped syscall.
	// A non-nil error denotes an infrastructure fault (not an end-user
	// error); the transport converts it into an EINVAL response.
	ProcessEvent(ctx context.Context, ev *SyscallEvent) (*SyscallResponse, error)
}
