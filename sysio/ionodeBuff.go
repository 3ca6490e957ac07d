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
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/attrvisor/attrvisor/domain"
)

// Ensure the buffer specializations implement the expected interfaces.
var _ domain.IOnodeIface = (*IOnodeBuffer)(nil)
var _ domain.IOServiceIface = (*ioBufferService)(nil)

//
// I/O Service providing an in-memory backend for unit-testing purposes.
// File data lives in an afero mem-map fs; extended attributes live in a
// path-indexed table, since afero offers no xattr support.
//
type ioBufferService struct {
	sync.Mutex
	fs     afero.Fs
	xattrs map[string]map[string][]byte
}

func newIOBufferService() domain.IOServiceIface {
	return &ioBufferService{
		fs:     afero.NewMemMapFs(),
		xattrs: make(map[string]map[string][]byte),
	}
}

func (s *ioBufferService) NewIOnode(
	n string,
	p string,
	attr os.FileMode) domain.IOnodeIface {

	return &IOnodeBuffer{
		name: n,
		path: p,
		attr: attr,
		svc:  s,
	}
}

func (s *ioBufferService) RemoveAllIOnodes() error {
	s.Lock()
	defer s.Unlock()

	s.fs = afero.NewMemMapFs()
	s.xattrs = make(map[string]map[string][]byte)

	return nil
}

func (s *ioBufferService) GetServiceType() domain.IOServiceType {
	return domain.IOBufferService
}

//
// IOnode class specialization for in-memory interaction.
//
type IOnodeBuffer struct {
	name string
	path string
	attr os.FileMode
	svc  *ioBufferService
}

func (i *IOnodeBuffer) ReadFile() ([]byte, error) {
	return afero.ReadFile(i.svc.fs, i.path)
}

func (i *IOnodeBuffer) WriteFile(p []byte) error {
	return afero.WriteFile(i.svc.fs, i.path, p, i.attr)
}

func (i *IOnodeBuffer) Mkdir() error {
	return i.svc.fs.Mkdir(i.path, i.attr)
}

func (i *IOnodeBuffer) MkdirAll() error {
	return i.svc.fs.MkdirAll(i.path, i.attr)
}

func (i *IOnodeBuffer) Stat() (os.FileInfo, error) {
	return i.svc.fs.Stat(i.path)
}

func (i *IOnodeBuffer) GetNsInode() (domain.Inode, error) {

	// Tests encode the emulated inode value as the file's content.
	data, err := afero.ReadFile(i.svc.fs, i.path)
	if err != nil {
		return 0, err
	}

	var ino domain.Inode
	for _, c := range data {
		if c < '0' || c > '9' {
			return 0, syscall.EINVAL
		}
		ino = ino*10 + domain.Inode(c-'0')
	}

	return ino, nil
}

func (i *IOnodeBuffer) SetXattr(name string, val []byte, flags int) error {
	i.svc.Lock()
	defer i.svc.Unlock()

	attrs, ok := i.svc.xattrs[i.path]
	if !ok {
		attrs = make(map[string][]byte)
		i.svc.xattrs[i.path] = attrs
	}

	_, present := attrs[name]
	if flags&unix.XATTR_CREATE == unix.XATTR_CREATE && present {
		return syscall.EEXIST
	}
	if flags&unix.XATTR_REPLACE == unix.XATTR_REPLACE && !present {
		return syscall.ENODATA
	}

	attrs[name] = append([]byte(nil), val...)

	return nil
}

func (i *IOnodeBuffer) GetXattr(name string) ([]byte, error) {
	i.svc.Lock()
	defer i.svc.Unlock()

	val, ok := i.svc.xattrs[i.path][name]
	if !ok {
		return nil, syscall.ENODATA
	}

	return append([]byte(nil), val...), nil
}

func (i *IOnodeBuffer) ListXattr() ([]string, error) {
	i.svc.Lock()
	defer i.svc.Unlock()

	var names []string
	for name := range i.svc.xattrs[i.path] {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (i *IOnodeBuffer) RemoveXattr(name string) error {
	i.svc.Lock()
	defer i.svc.Unlock()

	if _, ok := i.svc.xattrs[i.path][name]; !ok {
		return syscall.ENODATA
	}
	delete(i.svc.xattrs[i.path], name)

	return nil
}

func (i *IOnodeBuffer) Name() string {
	return i.name
}

func (i *IOnodeBuffer) Path() string {
	return i.path
}
