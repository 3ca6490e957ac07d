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
	"strings"
	"syscall"

	"github.com/attrvisor/attrvisor/domain"
)

// Decide maps a normalized xattr call to the action to take on it. The
// outcome depends only on the call, the container's policy snapshot, and
// whether the calling process holds CAP_SYS_ADMIN within its user-namespace;
// no filesystem state is consulted here.
//
// Namespaces other than trusted.* are passed through to the kernel, which
// already enforces the right semantics for unprivileged user-namespaces.
// The trusted.* namespace is invisible there, so honored names are emulated
// and everything else is reported as unsupported before the kernel gets a
// chance to refuse with a misleading errno.
func Decide(call *domain.XattrCall, pol *domain.XattrPolicy,
	privileged bool) domain.Decision {

	// List operations carry no attribute name. They always get emulated so
	// honored trusted.* attributes show up for capable callers, with the
	// visibility filter applied after the fact.
	if call.Op == domain.XattrOpList {
		return domain.Decision{Action: domain.DecisionEmulate}
	}

	switch call.Namespace {

	case domain.XattrNsUser, domain.XattrNsSecurity, domain.XattrNsSystem:
		return domain.Decision{Action: domain.DecisionPassThrough}

	case domain.XattrNsTrusted:
		return decideTrusted(call, pol, privileged)
	}

	// Unprefixed or unrecognized namespace.
	return domain.Decision{
		Action: domain.DecisionUnsupported,
		Errno:  syscall.ENOTSUP,
	}
}

func decideTrusted(call *domain.XattrCall, pol *domain.XattrPolicy,
	privileged bool) domain.Decision {

	if !pol.HonoredXattrs.Contains(call.Name) {
		return domain.Decision{
			Action: domain.DecisionUnsupported,
			Errno:  syscall.ENOTSUP,
		}
	}

	if !privileged {
		// Reads behave as if the attribute were absent; mutations are
		// refused outright, matching what the kernel does for callers
		// lacking CAP_SYS_ADMIN.
		if call.Op == domain.XattrOpGet {
			return domain.Decision{
				Action: domain.DecisionDeny,
				Errno:  syscall.ENODATA,
			}
		}
		return domain.Decision{
			Action: domain.DecisionDeny,
			Errno:  syscall.EPERM,
		}
	}

	switch call.Op {
	case domain.XattrOpGet:
		return domain.Decision{Action: domain.DecisionEmulate}

	case domain.XattrOpSet, domain.XattrOpRemove:
		if !pol.AllowTrustedXattr {
			return domain.Decision{
				Action: domain.DecisionDeny,
				Errno:  syscall.EPERM,
			}
		}
		return domain.Decision{Action: domain.DecisionEmulate}
	}

	return domain.Decision{
		Action: domain.DecisionUnsupported,
		Errno:  syscall.ENOTSUP,
	}
}

// FilterXattrList trims a listxattr result down to the attributes the caller
// is entitled to see. Callers without CAP_SYS_ADMIN in their user-namespace
// never observe trusted.* names.
func FilterXattrList(names []string, privileged bool) []string {

	if privileged {
		return names
	}

	filtered := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, "trusted.") {
			continue
		}
		filtered = append(filtered, name)
	}

	return filtered
}
