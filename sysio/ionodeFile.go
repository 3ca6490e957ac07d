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

package sysio

import (
	"io/ioutil"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/attrvisor/attrvisor/domain"
)

// Ensure IOnodeFile implements IOnode's interface.
var _ domain.IOnodeIface = (*IOnodeFile)(nil)
var _ domain.IOServiceIface = (*ioFileService)(nil)

// Attribute buffers start at this size and grow on ERANGE; the kernel caps
// xattr values at 64KB, so one retry suffices in practice.
const xattrBufSize = 64 * 1024

//
// I/O Service providing host FS interaction capabilities.
//
type ioFileService struct{}

func newIOFileService() domain.IOServiceIface {
	return &ioFileService{}
}

func (s *ioFileService) NewIOnode(
	n string,
	p string,
	attr os.FileMode) domain.IOnodeIface {

	return &IOnodeFile{
		name: n,
		path: p,
		attr: attr,
	}
}

func (s *ioFileService) RemoveAllIOnodes() error {
	return nil
}

func (s *ioFileService) GetServiceType() domain.IOServiceType {
	return domain.IOOsFileService
}

//
// IOnode class specialization for host FS interaction.
//
type IOnodeFile struct {
	name string
	path string
	attr os.FileMode
}

func (i *IOnodeFile) ReadFile() ([]byte, error) {
	return ioutil.ReadFile(i.path)
}

func (i *IOnodeFile) WriteFile(p []byte) error {
	return ioutil.WriteFile(i.path, p, i.attr)
}

func (i *IOnodeFile) Mkdir() error {
	return os.Mkdir(i.path, i.attr)
}

func (i *IOnodeFile) MkdirAll() error {
	return os.MkdirAll(i.path, i.attr)
}

func (i *IOnodeFile) Stat() (os.FileInfo, error) {
	return os.Stat(i.path)
}

func (i *IOnodeFile) GetNsInode() (domain.Inode, error) {

	info, err := os.Stat(i.path)
	if err != nil {
		return 0, err
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, syscall.ENOTSUP
	}

	return stat.Ino, nil
}

// SetXattr writes the given attribute through l*xattr so that operations
// addressed at a symlink itself are honored; callers wanting the
// dereferencing variants resolve the path beforehand.
func (i *IOnodeFile) SetXattr(name string, val []byte, flags int) error {
	return unix.Lsetxattr(i.path, name, val, flags)
}

func (i *IOnodeFile) GetXattr(name string) ([]byte, error) {

	buf := make([]byte, xattrBufSize)

	for {
		sz, err := unix.Lgetxattr(i.path, name, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:sz], nil
	}
}

func (i *IOnodeFile) ListXattr() ([]string, error) {

	buf := make([]byte, xattrBufSize)

	for {
		sz, err := unix.Llistxattr(i.path, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return nil, err
		}
		buf = buf[:sz]
		break
	}

	var names []string
	for _, name := range strings.Split(string(buf), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}

	return names, nil
}

func (i *IOnodeFile) RemoveXattr(name string) error {
	return unix.Lremovexattr(i.path, name)
}

func (i *IOnodeFile) Name() string {
	return i.name
}

func (i *IOnodeFile) Path() string {
	return i.path
}
