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
	"fmt"
	"strings"

	"github.com/attrvisor/attrvisor/domain"
)

// syscallVariant captures the operation kind and addressing mode encoded in
// each member of the *xattr syscall family.
type syscallVariant struct {
	op   domain.XattrOp
	addr domain.XattrAddrMode
}

// The twelve syscall variants the tracer collaborator is expected to trap.
var syscallVariants = map[string]syscallVariant{
	"setxattr":     {domain.XattrOpSet, domain.AddrModePath},
	"lsetxattr":    {domain.XattrOpSet, domain.AddrModeNoFollow},
	"fsetxattr":    {domain.XattrOpSet, domain.AddrModeFd},
	"getxattr":     {domain.XattrOpGet, domain.AddrModePath},
	"lgetxattr":    {domain.XattrOpGet, domain.AddrModeNoFollow},
	"fgetxattr":    {domain.XattrOpGet, domain.AddrModeFd},
	"listxattr":    {domain.XattrOpList, domain.AddrModePath},
	"llistxattr":   {domain.XattrOpList, domain.AddrModeNoFollow},
	"flistxattr":   {domain.XattrOpList, domain.AddrModeFd},
	"removexattr":  {domain.XattrOpRemove, domain.AddrModePath},
	"lremovexattr": {domain.XattrOpRemove, domain.AddrModeNoFollow},
	"fremovexattr": {domain.XattrOpRemove, domain.AddrModeFd},
}

// Classify normalizes a trapped syscall event into an XattrCall. All
// variants of a logically equivalent operation produce the same operation
// kind and namespace, so policy evaluation downstream is independent of the
// addressing mode the tracee happened to use.
func Classify(ev *domain.SyscallEvent) (*domain.XattrCall, error) {

	variant, ok := syscallVariants[ev.Syscall]
	if !ok {
		return nil, fmt.Errorf("unsupported syscall %q", ev.Syscall)
	}

	call := &domain.XattrCall{
		ReqId:       ev.ReqId,
		Op:          variant.op,
		AddrMode:    variant.addr,
		Pid:         ev.Pid,
		ContainerId: ev.ContainerId,
		Path:        ev.Path,
		PathFd:      ev.PathFd,
		Name:        ev.Name,
		Val:         ev.Val,
		Flags:       ev.Flags,
		Size:        ev.Size,
	}

	if variant.op == domain.XattrOpList {
		call.Namespace = domain.XattrNsNone
	} else {
		call.Namespace = namespaceOf(ev.Name)
	}

	return call, nil
}

// namespaceOf derives the attribute namespace from the name's prefix.
// Unprefixed or unrecognized namespaces classify as unknown, which the
// policy engine reports as unsupported.
func namespaceOf(name string) domain.XattrNamespace {

	prefix, _, found := strings.Cut(name, ".")
	if !found {
		return domain.XattrNsUnknown
	}

	switch prefix {
	case "trusted":
		return domain.XattrNsTrusted
	case "user":
		return domain.XattrNsUser
	case "security":
		return domain.XattrNsSecurity
	case "system":
		return domain.XattrNsSystem
	}

	return domain.XattrNsUnknown
}
