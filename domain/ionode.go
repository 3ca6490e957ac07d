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

import "os"

type Inode = uint64

//
// IOnode interface serves as an abstract-class to represent all the I/O
// resources with whom attrvisor operates. There are two specializations of
// this interface:
//
// 1. ioNodeFile: a wrapper over the host FS (os + unix xattr syscalls). To
//    be utilized in production scenarios.
//
// 2. ioNodeBuffer: an afero / in-memory backend with its own xattr table.
//    To be utilized during UT efforts.
//

type IOServiceType = int

const (
	Unknown         IOServiceType = iota
	IOOsFileService               // production / regular purposes
	IOBufferService               // unit-testing purposes
)

type IOServiceIface interface {
	NewIOnode(n string, p string, attr os.FileMode) IOnodeIface
	RemoveAllIOnodes() error
	GetServiceType() IOServiceType
}

type IOnodeIface interface {
	ReadFile() ([]byte, error)
	WriteFile(p []byte) error
	Mkdir() error
	MkdirAll() error
	Stat() (os.FileInfo, error)
	GetNsInode() (Inode, error)

	//
	// Extended-attribute primitives. Names are namespace-qualified
	// ("user.foo", "trusted.overlay.opaque").
	//
	SetXattr(name string, val []byte, flags int) error
	GetXattr(name string) ([]byte, error)
	ListXattr() ([]string, error)
	RemoveXattr(name string) error

	//
	// Required getters/setters.
	//
	Name() string
	Path() string
}
