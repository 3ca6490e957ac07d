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
	"context"
	"fmt"
	"syscall"

	"github.com/attrvisor/attrvisor/domain"
)

// Privileged proxy: executes honored trusted.* operations on behalf of the
// tracee. The operation runs in an auxiliary attrvisor instance that enters
// all the tracee's namespaces except its user-namespace, so it holds the
// initial-userns CAP_SYS_ADMIN the kernel demands for the trusted namespace
// while observing the tracee's very own mount view.

// proxySetxattr emulates set{,l,f}xattr on the resolved target.
func (s *xattrService) proxySetxattr(
	ctx context.Context,
	proc domain.ProcessIface,
	call *domain.XattrCall,
	target *resolvedTarget) error {

	payload := &domain.SetxattrSyscallPayload{
		Syscall: call.Op.String(),
		Path:    target.cntrPath,
		Name:    call.Name,
		Val:     call.Val,
		Flags:   int(call.Flags),
	}

	reqMsg := &domain.NSenterMessage{
		Type:    domain.SetxattrSyscallRequest,
		Payload: payload,
	}

	_, err := s.proxyExec(ctx, proc, reqMsg, domain.SetxattrSyscallResponse)

	return err
}

// proxyGetxattr emulates get{,l,f}xattr and returns the attribute's full
// value; buffer sizing semantics are applied by the marshaler afterwards.
func (s *xattrService) proxyGetxattr(
	ctx context.Context,
	proc domain.ProcessIface,
	call *domain.XattrCall,
	target *resolvedTarget) ([]byte, error) {

	payload := &domain.GetxattrSyscallPayload{
		Header:  proxyMsgHeader(proc),
		Syscall: call.Op.String(),
		Path:    target.cntrPath,
		Name:    call.Name,
	}

	reqMsg := &domain.NSenterMessage{
		Type:    domain.GetxattrSyscallRequest,
		Payload: payload,
	}

	resMsg, err := s.proxyExec(ctx, proc, reqMsg, domain.GetxattrSyscallResponse)
	if err != nil {
		return nil, err
	}

	resp, ok := resMsg.Payload.(domain.GetxattrRespPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected getxattr payload type %T",
			resMsg.Payload)
	}

	return resp.Val[:resp.Size], nil
}

// proxyRemovexattr emulates remove{,l,f}xattr on the resolved target.
func (s *xattrService) proxyRemovexattr(
	ctx context.Context,
	proc domain.ProcessIface,
	call *domain.XattrCall,
	target *resolvedTarget) error {

	payload := &domain.RemovexattrSyscallPayload{
		Syscall: call.Op.String(),
		Path:    target.cntrPath,
		Name:    call.Name,
	}

	reqMsg := &domain.NSenterMessage{
		Type:    domain.RemovexattrSyscallRequest,
		Payload: payload,
	}

	_, err := s.proxyExec(ctx, proc, reqMsg, domain.RemovexattrSyscallResponse)

	return err
}

// proxyListxattr emulates list{,l,f}xattr and returns the full, unfiltered
// name set; visibility filtering is the policy engine's business.
func (s *xattrService) proxyListxattr(
	ctx context.Context,
	proc domain.ProcessIface,
	call *domain.XattrCall,
	target *resolvedTarget) ([]string, error) {

	payload := &domain.ListxattrSyscallPayload{
		Header:  proxyMsgHeader(proc),
		Syscall: call.Op.String(),
		Path:    target.cntrPath,
	}

	reqMsg := &domain.NSenterMessage{
		Type:    domain.ListxattrSyscallRequest,
		Payload: payload,
	}

	resMsg, err := s.proxyExec(ctx, proc, reqMsg, domain.ListxattrSyscallResponse)
	if err != nil {
		return nil, err
	}

	resp, ok := resMsg.Payload.(domain.ListxattrRespPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected listxattr payload type %T",
			resMsg.Payload)
	}

	return resp.Names, nil
}

// proxyExec launches the auxiliary instance, pushes the request through it
// and interprets the generic parts of the response.
//
// Errors surface in two categories: syscall.Errno values are outcomes of the
// emulated syscall and must be reflected into the tracee verbatim, while any
// other error denotes an infrastructure fault. A context cancellation while
// the auxiliary instance runs yields EINTR, mirroring how the kernel reports
// a signal-interrupted syscall.
func (s *xattrService) proxyExec(
	ctx context.Context,
	proc domain.ProcessIface,
	reqMsg *domain.NSenterMessage,
	wantType domain.NSenterMsgType) (*domain.NSenterMessage, error) {

	event := s.nss.NewEvent(
		proc.Pid(),
		0,
		0,
		&domain.AllNSsButUser,
		reqMsg,
		&domain.NSenterMessage{},
	)

	if err := s.nss.SendRequestEvent(ctx, event); err != nil {
		if ctx.Err() != nil {
			return nil, syscall.EINTR
		}
		return nil, err
	}

	resMsg := s.nss.ReceiveResponseEvent(event)

	switch resMsg.Type {
	case wantType:
		return resMsg, nil

	case domain.ErrorResponse:
		ioErr, ok := resMsg.Payload.(domain.IOerror)
		if !ok {
			return nil, fmt.Errorf("unexpected error payload type %T",
				resMsg.Payload)
		}
		// A target that vanished between resolution and execution surfaces
		// here as ENOENT, which is exactly what the tracee must see.
		return nil, ioErr.Code

	default:
		return nil, fmt.Errorf("unexpected nsenter response type %q",
			resMsg.Type)
	}
}

func proxyMsgHeader(proc domain.ProcessIface) domain.NSenterMsgHeader {
	return domain.NSenterMsgHeader{
		Pid:  proc.Pid(),
		Uid:  proc.Uid(),
		Gid:  proc.Gid(),
		Root: proc.Root(),
		Cwd:  proc.Cwd(),
	}
}
