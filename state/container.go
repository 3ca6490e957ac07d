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

package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/attrvisor/attrvisor/domain"
)

//
// container type to represent all the container-state relevant to attrvisor.
//
type container struct {
	sync.RWMutex
	id       string              // container id
	initPid  uint32              // initPid within container
	ctime    time.Time           // container creation time
	pidInode domain.Inode        // initPid pid-ns inode
	uidFirst uint32              // first value of Uid range (host side)
	uidSize  uint32              // size of uid range
	gidFirst uint32              // first value of Gid range (host side)
	gidSize  uint32              // size of gid range
	policy   *domain.XattrPolicy // xattr-virtualization policy (immutable)
	service  *containerStateService
}

func (c *container) ID() string {
	return c.id
}

func (c *container) InitPid() uint32 {
	return c.initPid
}

func (c *container) Ctime() time.Time {
	return c.ctime
}

func (c *container) PidInode() domain.Inode {
	return c.pidInode
}

func (c *container) UidFirst() uint32 {
	return c.uidFirst
}

func (c *container) UidSize() uint32 {
	return c.uidSize
}

func (c *container) GidFirst() uint32 {
	return c.gidFirst
}

func (c *container) GidSize() uint32 {
	return c.gidSize
}

// XattrPolicy returns a snapshot of the container's policy; in-flight calls
// keep operating on the snapshot even if the container record is replaced.
func (c *container) XattrPolicy() *domain.XattrPolicy {
	c.RLock()
	defer c.RUnlock()

	return c.policy.Clone()
}

func (c *container) String() string {
	return fmt.Sprintf("id = %s, initPid = %d, uid:gid = %d:%d",
		c.id, c.initPid, c.uidFirst, c.gidFirst)
}

// update overwrites the container record attributes with those of the given
// one; the policy pointer is swapped, never mutated in place.
func (c *container) update(src *container) {
	c.Lock()
	defer c.Unlock()

	c.initPid = src.initPid
	c.ctime = src.ctime
	c.uidFirst = src.uidFirst
	c.uidSize = src.uidSize
	c.gidFirst = src.gidFirst
	c.gidSize = src.gidSize

	if src.policy != nil {
		c.policy = src.policy
	}
}
