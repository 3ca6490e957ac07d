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

import "time"

//
// Container interface.
//
type ContainerIface interface {
	ID() string
	InitPid() uint32
	Ctime() time.Time
	PidInode() Inode
	UidFirst() uint32
	UidSize() uint32
	GidFirst() uint32
	GidSize() uint32
	XattrPolicy() *XattrPolicy
	String() string
}

//
// ContainerStateServiceIface defines the APIs through which attrvisor
// components interact with the container registry.
//
type ContainerStateServiceIface interface {
	Setup(prs ProcessServiceIface, ios IOServiceIface)

	ContainerCreate(
		id string,
		initPid uint32,
		ctime time.Time,
		uidFirst uint32,
		uidSize uint32,
		gidFirst uint32,
		gidSize uint32,
		policy *XattrPolicy) ContainerIface

	ContainerAdd(c ContainerIface) error
	ContainerUpdate(c ContainerIface) error
	ContainerDelete(c ContainerIface) error
	ContainerLookupById(id string) ContainerIface
	ContainerLookupByIdPrefix(prefix string) ContainerIface
	ContainerLookupByPidInode(pidInode Inode) ContainerIface
}
