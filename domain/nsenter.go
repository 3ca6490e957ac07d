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

import "context"

// Aliases to leverage strong-typing.
type NStype = string
type NSenterMsgType = string

// NStype defines all namespace types.
const (
	NStypeCgroup NStype = "cgroup"
	NStypeIpc    NStype = "ipc"
	NStypeNet    NStype = "net"
	NStypePid    NStype = "pid"
	NStypeUts    NStype = "uts"
	NStypeUser   NStype = "user"
	NStypeMount  NStype = "mnt"
)

var AllNSs = []NStype{
	NStypeUser, NStypePid, NStypeNet, NStypeMount,
	NStypeIpc, NStypeCgroup, NStypeUts,
}

// AllNSsButUser holds the namespaces the privileged proxy enters when
// emulating a trusted.* operation: every namespace of the tracee except its
// user namespace, so the executing process retains the initial-userns
// capabilities the kernel demands for trusted xattrs.
var AllNSsButUser = []NStype{
	NStypePid, NStypeNet, NStypeMount,
	NStypeIpc, NStypeCgroup, NStypeUts,
}

//
// NSenterEvent types. Define all possible messages that can be handled
// by the nsenter-event class.
//
const (
	SetxattrSyscallRequest     NSenterMsgType = "setxattrSyscallRequest"
	SetxattrSyscallResponse    NSenterMsgType = "setxattrSyscallResponse"
	GetxattrSyscallRequest     NSenterMsgType = "getxattrSyscallRequest"
	GetxattrSyscallResponse    NSenterMsgType = "getxattrSyscallResponse"
	RemovexattrSyscallRequest  NSenterMsgType = "removexattrSyscallRequest"
	RemovexattrSyscallResponse NSenterMsgType = "removexattrSyscallResponse"
	ListxattrSyscallRequest    NSenterMsgType = "listxattrSyscallRequest"
	ListxattrSyscallResponse   NSenterMsgType = "listxattrSyscallResponse"
	ErrorResponse              NSenterMsgType = "errorResponse"
)

//
// NSenterService interface serves as a wrapper construct to provide a
// communication channel between attrvisor's main instance and its re-exec'ed
// (nsenter'ed) auxiliary instances.
//
type NSenterServiceIface interface {
	Setup(prs ProcessServiceIface)

	NewEvent(
		pid uint32,
		uid uint32,
		gid uint32,
		ns *[]NStype,
		req *NSenterMessage,
		res *NSenterMessage) NSenterEventIface

	SendRequestEvent(ctx context.Context, e NSenterEventIface) error
	ReceiveResponseEvent(e NSenterEventIface) *NSenterMessage
}

//
// NSenterEvent struct serves as a transport abstraction (envelope) to carry
// all the potential messages that can be exchanged between attrvisor's main
// instance and its forked auxiliary instances. These auxiliary instances are
// utilized to perform actions over namespaced resources, which cannot be
// executed by the main instance directly.
//
type NSenterEventIface interface {
	SendRequest(ctx context.Context) error
	ReceiveResponse() *NSenterMessage
	SetRequestMsg(m *NSenterMessage)
	GetRequestMsg() *NSenterMessage
	SetResponseMsg(m *NSenterMessage)
	GetResponseMsg() *NSenterMessage
}

// NSenterMessage defines the layout of the messages being exchanged
// between attrvisor's main and forked instances.
type NSenterMessage struct {
	// Message type being exchanged.
	Type NSenterMsgType `json:"message"`

	// Message payload.
	Payload interface{} `json:"payload"`
}

// NSenterMsgHeader carries the tracee's context needed by the auxiliary
// instance to execute the syscall faithfully.
type NSenterMsgHeader struct {
	Pid  uint32 `json:"pid"`
	Uid  uint32 `json:"uid"`
	Gid  uint32 `json:"gid"`
	Root string `json:"root"`
	Cwd  string `json:"cwd"`
}

type SetxattrSyscallPayload struct {
	Syscall string `json:"syscall"`
	Path    string `json:"path"`
	Name    string `json:"name"`
	Val     []byte `json:"val"`
	Flags   int    `json:"flags"`
}

type GetxattrSyscallPayload struct {
	Header  NSenterMsgHeader `json:"header"`
	Syscall string           `json:"syscall"`
	Path    string           `json:"path"`
	Name    string           `json:"name"`
}

type GetxattrRespPayload struct {
	Val  []byte `json:"val"`
	Size int    `json:"size"`
}

type RemovexattrSyscallPayload struct {
	Syscall string `json:"syscall"`
	Path    string `json:"path"`
	Name    string `json:"name"`
}

type ListxattrSyscallPayload struct {
	Header  NSenterMsgHeader `json:"header"`
	Syscall string           `json:"syscall"`
	Path    string           `json:"path"`
}

type ListxattrRespPayload struct {
	Names []string `json:"names"`
}
