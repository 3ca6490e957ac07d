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
	"syscall"

	"github.com/attrvisor/attrvisor/domain"
)

// resolvedTarget carries the two views of a fully resolved xattr target: the
// path as seen from the daemon (through the tracee's procfs root magic-link)
// and the same path as seen from within the tracee's mount namespace.
type resolvedTarget struct {
	hostPath string
	cntrPath string
}

// resolveTarget turns the path argument of an xattr call into a canonical
// target, performing path resolution with the credentials and the fs view
// (root dir, cwd, mount namespace) of the calling process.
//
// Symlink handling honors the addressing mode of the original syscall: the
// l*xattr variants don't dereference a trailing symlink, while fd-addressed
// variants resolve through the descriptor's backing path.
//
// Errors returned here are syscall errnos, suitable for direct reflection
// into the tracee.
func resolveTarget(
	proc domain.ProcessIface,
	call *domain.XattrCall) (*resolvedTarget, error) {

	var (
		path string
		err  error
	)

	if call.AddrMode == domain.AddrModeFd {
		path, err = proc.GetFd(call.PathFd)
		if err != nil {
			return nil, syscall.EBADF
		}
	} else {
		path = call.Path
	}

	// A tracee may legitimately address its target through /proc/self; that
	// must be resolved against the tracee's pid, not the daemon's.
	path, err = proc.ResolveProcSelf(path)
	if err != nil {
		return nil, syscall.EACCES
	}

	hostPath, err := proc.PathAccess(path, 0, call.FollowSymlink())
	if err != nil {
		return nil, err
	}

	procRoot := fmt.Sprintf("/proc/%d/root", proc.Pid())

	cntrPath := strings.TrimPrefix(hostPath, procRoot)
	if cntrPath == "" {
		cntrPath = "/"
	}

	return &resolvedTarget{
		hostPath: hostPath,
		cntrPath: cntrPath,
	}, nil
}
