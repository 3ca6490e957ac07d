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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attrvisor/attrvisor/domain"
)

func TestClassifyVariants(t *testing.T) {

	tests := []struct {
		syscall string
		op      domain.XattrOp
		addr    domain.XattrAddrMode
	}{
		{"setxattr", domain.XattrOpSet, domain.AddrModePath},
		{"lsetxattr", domain.XattrOpSet, domain.AddrModeNoFollow},
		{"fsetxattr", domain.XattrOpSet, domain.AddrModeFd},
		{"getxattr", domain.XattrOpGet, domain.AddrModePath},
		{"lgetxattr", domain.XattrOpGet, domain.AddrModeNoFollow},
		{"fgetxattr", domain.XattrOpGet, domain.AddrModeFd},
		{"listxattr", domain.XattrOpList, domain.AddrModePath},
		{"llistxattr", domain.XattrOpList, domain.AddrModeNoFollow},
		{"flistxattr", domain.XattrOpList, domain.AddrModeFd},
		{"removexattr", domain.XattrOpRemove, domain.AddrModePath},
		{"lremovexattr", domain.XattrOpRemove, domain.AddrModeNoFollow},
		{"fremovexattr", domain.XattrOpRemove, domain.AddrModeFd},
	}

	for _, tc := range tests {
		call, err := Classify(&domain.SyscallEvent{
			Syscall: tc.syscall,
			Name:    "trusted.overlay.opaque",
		})
		require.NoError(t, err, tc.syscall)
		assert.Equal(t, tc.op, call.Op, tc.syscall)
		assert.Equal(t, tc.addr, call.AddrMode, tc.syscall)

		if tc.op == domain.XattrOpList {
			assert.Equal(t, domain.XattrNsNone, call.Namespace, tc.syscall)
		} else {
			assert.Equal(t, domain.XattrNsTrusted, call.Namespace, tc.syscall)
		}
	}
}

// Logically equivalent variants must classify to identical operation kinds
// and namespaces, differing only in addressing mode.
func TestClassifyEquivalence(t *testing.T) {

	groups := [][]string{
		{"setxattr", "lsetxattr", "fsetxattr"},
		{"getxattr", "lgetxattr", "fgetxattr"},
		{"listxattr", "llistxattr", "flistxattr"},
		{"removexattr", "lremovexattr", "fremovexattr"},
	}

	for _, group := range groups {
		var first *domain.XattrCall
		for _, sc := range group {
			call, err := Classify(&domain.SyscallEvent{
				Syscall: sc,
				Name:    "user.foo",
			})
			require.NoError(t, err)
			if first == nil {
				first = call
				continue
			}
			assert.Equal(t, first.Op, call.Op, sc)
			assert.Equal(t, first.Namespace, call.Namespace, sc)
		}
	}
}

func TestClassifyUnknownSyscall(t *testing.T) {
	_, err := Classify(&domain.SyscallEvent{Syscall: "open"})
	assert.Error(t, err)
}

func TestNamespaceOf(t *testing.T) {

	tests := []struct {
		name string
		ns   domain.XattrNamespace
	}{
		{"trusted.overlay.opaque", domain.XattrNsTrusted},
		{"trusted.foo", domain.XattrNsTrusted},
		{"user.checksum", domain.XattrNsUser},
		{"security.capability", domain.XattrNsSecurity},
		{"system.posix_acl_access", domain.XattrNsSystem},
		{"bogus.name", domain.XattrNsUnknown},
		{"noprefix", domain.XattrNsUnknown},
		{"", domain.XattrNsUnknown},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.ns, namespaceOf(tc.name), tc.name)
	}
}

func TestFollowSymlink(t *testing.T) {

	follow := map[string]bool{
		"setxattr":    true,
		"lsetxattr":   false,
		"fsetxattr":   true,
		"getxattr":    true,
		"lgetxattr":   false,
		"llistxattr":  false,
		"removexattr": true,
	}

	for sc, want := range follow {
		call, err := Classify(&domain.SyscallEvent{Syscall: sc, Name: "user.x"})
		require.NoError(t, err)
		assert.Equal(t, want, call.FollowSymlink(), sc)
	}
}
