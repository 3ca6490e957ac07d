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

const (
	SymlinkMax = 40
)

type AccessMode uint32

const (
	R_OK AccessMode = 0x4 // read ok
	W_OK AccessMode = 0x2 // write ok
	X_OK AccessMode = 0x1 // execute ok
)

// ProcessIface represents a process that generated a trapped syscall. All
// attributes are obtained from the process' procfs view at call time, so a
// fresh instance must be created per intercepted call.
type ProcessIface interface {
	Pid() uint32
	Uid() uint32
	Gid() uint32
	Cwd() string
	Root() string

	// GetFd returns the path backing the given open file-descriptor of the
	// process, as seen in the process' own mount view.
	GetFd(fd int32) (string, error)

	// ResolveProcSelf replaces "/proc/self/*" path components with the
	// process' own pid view ("/proc/<pid>/*").
	ResolveProcSelf(path string) (string, error)

	// PathAccess emulates the kernel's path_resolution(7) against the
	// process' root and cwd, checking existence and per-component
	// permissions. It returns the canonical host-visible path. The final
	// component is dereferenced only when followSymlink is true.
	PathAccess(path string, mode AccessMode, followSymlink bool) (string, error)

	// IsSysAdminCapabilitySet reports whether CAP_SYS_ADMIN is present in
	// the process' effective capability set (in-container view).
	IsSysAdminCapabilitySet() bool
}

type ProcessServiceIface interface {
	Setup(ios IOServiceIface)
	ProcessCreate(pid uint32, uid uint32, gid uint32) ProcessIface
}
