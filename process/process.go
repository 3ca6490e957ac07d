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

package process

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	cap "github.com/syndtr/gocapability/capability"

	"github.com/attrvisor/attrvisor/domain"
)

type processService struct {
	ios domain.IOServiceIface
}

func NewProcessService() domain.ProcessServiceIface {
	return &processService{}
}

func (ps *processService) Setup(ios domain.IOServiceIface) {
	ps.ios = ios
}

func (ps *processService) ProcessCreate(
	pid uint32,
	uid uint32,
	gid uint32) domain.ProcessIface {

	return &process{
		pid: pid,
		uid: uid,
		gid: gid,
		ps:  ps,
	}
}

type process struct {
	pid      uint32           // process id
	root     string           // root dir (host-visible procfs view)
	cwd      string           // current working dir (tracee's mount view)
	uid      uint32           // effective uid
	gid      uint32           // effective gid
	sgid     []int            // supplementary groups
	cap      cap.Capabilities // process capabilities
	status   map[string]string
	loaded   bool
	ps       *processService
}

func (p *process) Pid() uint32 {
	return p.pid
}

func (p *process) Uid() uint32 {
	if !p.loaded {
		_ = p.getInfo()
	}
	return p.uid
}

func (p *process) Gid() uint32 {
	if !p.loaded {
		_ = p.getInfo()
	}
	return p.gid
}

func (p *process) Cwd() string {
	if !p.loaded {
		_ = p.getInfo()
	}
	return p.cwd
}

func (p *process) Root() string {
	if !p.loaded {
		_ = p.getInfo()
	}
	return p.root
}

func (p *process) IsSysAdminCapabilitySet() bool {
	return p.isCapabilitySet(cap.EFFECTIVE, cap.CAP_SYS_ADMIN)
}

// Simple wrapper method to determine capability settings.
func (p *process) isCapabilitySet(which cap.CapType, what cap.Cap) bool {

	if p.cap == nil {
		if err := p.initCapability(); err != nil {
			return false
		}
	}

	return p.cap.Get(which, what)
}

// initCapability method retrieves process capabilities from kernel and
// stores them within the 'capability' data-struct.
func (p *process) initCapability() error {

	c, err := cap.NewPid2(int(p.pid))
	if err != nil {
		return err
	}

	if err = c.Load(); err != nil {
		return err
	}

	p.cap = c

	return nil
}

// GetFd returns the path backing the given file-descriptor of the process,
// expressed in the process' own (absolute) mount view.
func (p *process) GetFd(fd int32) (string, error) {

	fdlink := fmt.Sprintf("/proc/%d/fd/%d", p.pid, fd)

	path, err := os.Readlink(fdlink)
	if err != nil {
		return "", err
	}

	// Descriptors backed by non-path objects (sockets, pipes, anon inodes)
	// can't address a filesystem target.
	if !filepath.IsAbs(path) {
		return "", syscall.EBADF
	}

	return path, nil
}

// ResolveProcSelf normalizes "/proc/self/*" path arguments to the tracee's
// own pid view. It's rare that an xattr op be applied on a /proc/self/*
// path, but it's technically possible.
func (p *process) ResolveProcSelf(path string) (string, error) {

	if path != "/proc/self" && !strings.HasPrefix(path, "/proc/self/") {
		return path, nil
	}

	pidPath := fmt.Sprintf("/proc/%d", p.pid)

	if path == "/proc/self" {
		return pidPath, nil
	}

	return filepath.Join(pidPath, strings.TrimPrefix(path, "/proc/self")), nil
}

// PathAccess emulates the path resolution and permission checking process
// done by the Linux kernel, as described in path_resolution(7).
//
// It checks if the process can access the file or directory at the given
// path. The given mode determines what type of access to check for (e.g.,
// read, write, execute, or a combination of these).
//
// The given path may be absolute or relative. Each component of the path is
// checked to see if it exists and whether the process has permissions to
// access it, following the rules for path resolution in Linux (see
// path_resolution(7)). The path may contain ".", "..", and symlinks. For
// absolute paths, the check is done starting from the process' root
// directory. For relative paths, the check is done starting from the
// process' current working directory.
//
// When followSymlink is false the final path component is not dereferenced,
// matching the l*xattr syscall family.
//
// Returns the canonical host-visible path on success, or one of the
// following errors otherwise:
//
// syscall.ENOENT: some component of the path does not exist.
// syscall.ENOTDIR: a non-final component of the path is not a directory.
// syscall.EACCES: the process lacks permission over some path component.
// syscall.ELOOP: the path has too many symlinks (e.g. > 40).
func (p *process) PathAccess(
	path string,
	aMode domain.AccessMode,
	followSymlink bool) (string, error) {

	if err := p.getInfo(); err != nil {
		return "", err
	}

	return p.pathAccess(path, aMode, followSymlink)
}

// getInfo retrieves info about the process.
func (p *process) getInfo() error {

	if p.loaded {
		return nil
	}

	space := regexp.MustCompile(`\s+`)

	fields := []string{"Uid", "Gid", "Groups"}
	if err := p.getStatus(fields); err != nil {
		return err
	}

	// effective uid
	str := space.ReplaceAllString(p.status["Uid"], " ")
	str = strings.TrimSpace(str)
	uids := strings.Split(str, " ")
	if len(uids) != 4 {
		return fmt.Errorf("invalid uid status: %+v", uids)
	}
	euid, err := strconv.Atoi(uids[1])
	if err != nil {
		return err
	}

	// effective gid
	str = space.ReplaceAllString(p.status["Gid"], " ")
	str = strings.TrimSpace(str)
	gids := strings.Split(str, " ")
	if len(gids) != 4 {
		return fmt.Errorf("invalid gid status: %+v", gids)
	}
	egid, err := strconv.Atoi(gids[1])
	if err != nil {
		return err
	}

	// supplementary groups
	sgid := []int{}
	str = space.ReplaceAllString(p.status["Groups"], " ")
	str = strings.TrimSpace(str)
	groups := strings.Split(str, " ")
	for _, g := range groups {
		if g == "" {
			continue
		}
		val, err := strconv.Atoi(g)
		if err != nil {
			return err
		}
		sgid = append(sgid, val)
	}

	// The process may be chroot'ed or live in a different mount namespace;
	// its procfs magic-links give us its actual fs view.
	root := fmt.Sprintf("/proc/%d/root", p.pid)

	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", p.pid))
	if err != nil {
		return err
	}

	p.root = root
	p.cwd = cwd
	p.uid = uint32(euid)
	p.gid = uint32(egid)
	p.sgid = sgid
	p.loaded = true

	return nil
}

// getStatus retrieves process status info obtained from the
// /proc/[pid]/status file.
func (p *process) getStatus(fields []string) error {

	filename := fmt.Sprintf("/proc/%d/status", p.pid)
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	s := bufio.NewScanner(f)

	status := make(map[string]string)
	for s.Scan() {
		text := s.Text()
		parts := strings.Split(text, ":")

		if len(parts) < 1 {
			continue
		}

		for _, f := range fields {
			if parts[0] == f {
				if len(parts) > 1 {
					status[f] = parts[1]
				} else {
					status[f] = ""
				}
			}
		}
	}

	if err := s.Err(); err != nil {
		return err
	}

	p.status = status

	return nil
}

func (p *process) pathAccess(
	path string,
	mode domain.AccessMode,
	followSymlink bool) (string, error) {

	if path == "" {
		return "", syscall.ENOENT
	}

	if len(path)+1 > syscall.PathMax {
		return "", syscall.ENAMETOOLONG
	}

	// Relative paths resolve against the process' working directory at call
	// time; expressing them as absolute first keeps the walk uniform and
	// makes relative and absolute invocations converge on the same
	// canonical path.
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.cwd, path)
	}

	// Break up path into its components; note that repeated "/" results in
	// empty path components.
	components := strings.Split(path, "/")

	cur := p.root
	linkCnt := 0
	final := false

	for i, c := range components {
		if i == len(components)-1 {
			final = true
		}

		if c == "" {
			continue
		}

		if c == ".." {
			parent := filepath.Dir(cur)
			if !strings.HasPrefix(parent, p.root) {
				parent = p.root
			}
			cur = parent
		} else if c != "." {
			cur = filepath.Join(cur, c)
		}

		symlink, isDir, err := isSymlink(cur)
		if err != nil {
			return "", syscall.ENOENT
		}

		if !final && !symlink && !isDir {
			return "", syscall.ENOTDIR
		}

		// Follow the symlink (unless it's the process' root or the final
		// component of a non-following resolution); may recurse if the
		// symlink points to another symlink and so on; we stop at
		// SymlinkMax recursions (just as the Linux kernel does).

		if symlink && cur != p.root && (!final || followSymlink) {
			for {
				if linkCnt >= domain.SymlinkMax {
					return "", syscall.ELOOP
				}

				link, err := os.Readlink(cur)
				if err != nil {
					return "", syscall.ENOENT
				}

				if filepath.IsAbs(link) {
					cur = filepath.Join(p.root, link)
				} else {
					cur = filepath.Join(filepath.Dir(cur), link)
				}

				// If 'cur' ever matches 'p.root' then there's no need to
				// continue iterating as we know for sure that 'p.root' is a
				// valid / non-cyclical path. If we were to continue our
				// iteration, we would end up dereferencing 'p.root' --
				// through readlink() -- which would erroneously point us to
				// "/" in the host fs.
				if cur == p.root {
					break
				}

				symlink, isDir, err = isSymlink(cur)
				if err != nil {
					return "", syscall.ENOENT
				}

				if !symlink {
					break
				}
				linkCnt += 1
			}

			if !final && !isDir {
				return "", syscall.ENOTDIR
			}
		}

		perm := false
		if !final {
			perm, err = p.checkPerm(cur, domain.X_OK, true)
		} else {
			perm, err = p.checkPerm(cur, mode, followSymlink)
		}

		if err != nil || !perm {
			return "", syscall.EACCES
		}
	}

	return cur, nil
}

// checkPerm checks if the process has permission to access the file or
// directory at the given path. The access mode indicates what type of access
// is being checked (i.e., read, write, execute, or a combination of these).
// Returns true if the process has the required permission, false otherwise.
// The returned error indicates if an error occurred during the check.
func (p *process) checkPerm(
	path string,
	aMode domain.AccessMode,
	followSymlink bool) (bool, error) {

	var (
		fi  os.FileInfo
		err error
	)

	if followSymlink {
		fi, err = os.Stat(path)
	} else {
		fi, err = os.Lstat(path)
	}
	if err != nil {
		return false, err
	}
	fperm := fi.Mode().Perm()

	// Per symlink(7), the permissions of a symlink itself are never
	// consulted; only the link's final target matters.
	if fi.Mode()&os.ModeSymlink == os.ModeSymlink {
		return true, nil
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("failed to convert to syscall.Stat_t")
	}
	fuid := st.Uid
	fgid := st.Gid

	mode := uint32(aMode)

	// Note: the order of the checks below mimics those done by the Linux
	// kernel.

	// owner check
	if fuid == p.uid {
		perm := uint32((fperm & 0700) >> 6)
		if mode&perm == mode {
			return true, nil
		}
	}

	// group check
	if fgid == p.gid || intSliceContains(p.sgid, fgid) {
		perm := uint32((fperm & 0070) >> 3)
		if mode&perm == mode {
			return true, nil
		}
	}

	// "other" check
	perm := uint32(fperm & 0007)
	if mode&perm == mode {
		return true, nil
	}

	// capability checks
	if p.isCapabilitySet(cap.EFFECTIVE, cap.CAP_DAC_OVERRIDE) {
		// Per capabilities(7): CAP_DAC_OVERRIDE bypasses file read, write,
		// and execute permission checks.
		//
		// Per The Linux Programming Interface, 15.4.3: A process with the
		// CAP_DAC_OVERRIDE capability always has read and write permissions
		// for any type of file, and also has execute permission if the file
		// is a directory or if execute permission is granted to at least one
		// of the permission categories for the file.
		if fi.IsDir() {
			return true, nil
		} else {
			if aMode&domain.X_OK != domain.X_OK {
				return true, nil
			} else {
				if fperm&0111 != 0 {
					return true, nil
				}
			}
		}
	}

	if p.isCapabilitySet(cap.EFFECTIVE, cap.CAP_DAC_READ_SEARCH) {
		// Per capabilities(7): CAP_DAC_READ_SEARCH bypasses file read
		// permission checks and directory read and execute permission checks.
		if fi.IsDir() && (aMode&domain.W_OK != domain.W_OK) {
			return true, nil
		}

		if !fi.IsDir() && (aMode == domain.R_OK) {
			return true, nil
		}
	}

	return false, nil
}

//
// Miscellaneous auxiliary functions
//

// isSymlink returns true if the given file is a symlink
func isSymlink(path string) (bool, bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return false, false, err
	}

	return fi.Mode()&os.ModeSymlink == os.ModeSymlink, fi.IsDir(), nil
}

// intSliceContains returns true if x is in a
func intSliceContains(a []int, x uint32) bool {
	for _, n := range a {
		if int(x) == n {
			return true
		}
	}
	return false
}
