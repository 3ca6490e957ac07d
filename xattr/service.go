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
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/attrvisor/attrvisor/domain"
)

// xattrService drives the virtualization pipeline for every trapped *xattr
// syscall: classify, attribute to a container, snapshot policy, decide,
// resolve the target, emulate through the privileged proxy and marshal the
// outcome. The service itself is stateless; every per-call artifact lives on
// the handler's stack, so events are processed concurrently without locking.
type xattrService struct {
	css domain.ContainerStateServiceIface
	prs domain.ProcessServiceIface
	nss domain.NSenterServiceIface
}

func NewXattrService() domain.XattrServiceIface {
	return &xattrService{}
}

func (s *xattrService) Setup(
	css domain.ContainerStateServiceIface,
	prs domain.ProcessServiceIface,
	nss domain.NSenterServiceIface) {

	s.css = css
	s.prs = prs
	s.nss = nss
}

func (s *xattrService) ProcessEvent(
	ctx context.Context,
	ev *domain.SyscallEvent) (*domain.SyscallResponse, error) {

	call, err := Classify(ev)
	if err != nil {
		return nil, err
	}

	logrus.Debugf("Processing %s() req %d from pid %d (container %s)",
		ev.Syscall, ev.ReqId, ev.Pid, ev.ContainerId)

	// Events from processes that can't be attributed to a registered
	// container are refused; letting them through would execute a syscall we
	// know nothing about on behalf of an unknown party.
	cntr := s.css.ContainerLookupById(call.ContainerId)
	if cntr == nil {
		cntr = s.css.ContainerLookupByIdPrefix(call.ContainerId)
	}
	if cntr == nil {
		logrus.Warnf("Rejecting %s() req %d: no registered container matches %q",
			ev.Syscall, ev.ReqId, ev.ContainerId)
		return errorResponse(call.ReqId, syscall.EPERM), nil
	}

	policy := cntr.XattrPolicy()

	proc := s.prs.ProcessCreate(call.Pid, 0, 0)
	privileged := proc.IsSysAdminCapabilitySet()

	decision := Decide(call, policy, privileged)

	switch decision.Action {

	case domain.DecisionPassThrough:
		return passThroughResponse(call.ReqId), nil

	case domain.DecisionDeny, domain.DecisionUnsupported:
		return errorResponse(call.ReqId, decision.Errno), nil
	}

	return s.emulate(ctx, proc, call, privileged)
}

// emulate resolves the call's target and executes it through the privileged
// proxy, packing the outcome per the original syscall's calling convention.
func (s *xattrService) emulate(
	ctx context.Context,
	proc domain.ProcessIface,
	call *domain.XattrCall,
	privileged bool) (*domain.SyscallResponse, error) {

	target, err := resolveTarget(proc, call)
	if err != nil {
		return errorResponse(call.ReqId, err), nil
	}

	switch call.Op {

	case domain.XattrOpSet:
		if err := s.proxySetxattr(ctx, proc, call, target); err != nil {
			return s.emulationOutcome(call, err)
		}
		return successResponse(call.ReqId), nil

	case domain.XattrOpRemove:
		if err := s.proxyRemovexattr(ctx, proc, call, target); err != nil {
			return s.emulationOutcome(call, err)
		}
		return successResponse(call.ReqId), nil

	case domain.XattrOpGet:
		val, err := s.proxyGetxattr(ctx, proc, call, target)
		if err != nil {
			return s.emulationOutcome(call, err)
		}
		return bufferResponse(call.ReqId, call.Size, val), nil

	case domain.XattrOpList:
		names, err := s.proxyListxattr(ctx, proc, call, target)
		if err != nil {
			return s.emulationOutcome(call, err)
		}
		names = FilterXattrList(names, privileged)
		return bufferResponse(call.ReqId, call.Size, packXattrNames(names)), nil
	}

	// Unreachable: Classify admits only the four operation kinds.
	return errorResponse(call.ReqId, syscall.EINVAL), nil
}

// emulationOutcome splits proxy errors into tracee-visible errnos and
// infrastructure faults.
func (s *xattrService) emulationOutcome(
	call *domain.XattrCall,
	err error) (*domain.SyscallResponse, error) {

	if errno, ok := err.(syscall.Errno); ok {
		return errorResponse(call.ReqId, errno), nil
	}

	logrus.Errorf("Emulation of %sxattr() req %d failed: %v",
		call.Op.String(), call.ReqId, err)

	return nil, err
}
