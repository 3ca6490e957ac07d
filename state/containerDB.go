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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/attrvisor/attrvisor/domain"
)

type containerStateService struct {
	sync.RWMutex

	// Radix tree of container records indexed by container id; a radix tree
	// (rather than a plain map) lets the runtime address containers through
	// unique id prefixes, the way container CLIs abbreviate ids.
	idTable *iradix.Tree

	// Map to keep track of the association between container's pid-namespace
	// (inode) and the container record, to attribute trapped syscalls to
	// their originating container when events carry no explicit id.
	pidTable map[domain.Inode]*container

	// Pointer to the service providing process-handling capabilities.
	prs domain.ProcessServiceIface

	// Pointer to the service providing file-system I/O capabilities.
	ios domain.IOServiceIface
}

func NewContainerStateService() domain.ContainerStateServiceIface {
	return &containerStateService{
		idTable:  iradix.New(),
		pidTable: make(map[domain.Inode]*container),
	}
}

func (css *containerStateService) Setup(
	prs domain.ProcessServiceIface,
	ios domain.IOServiceIface) {

	css.prs = prs
	css.ios = ios
}

func (css *containerStateService) ContainerCreate(
	id string,
	initPid uint32,
	ctime time.Time,
	uidFirst uint32,
	uidSize uint32,
	gidFirst uint32,
	gidSize uint32,
	policy *domain.XattrPolicy) domain.ContainerIface {

	return &container{
		id:       id,
		initPid:  initPid,
		ctime:    ctime,
		uidFirst: uidFirst,
		uidSize:  uidSize,
		gidFirst: gidFirst,
		gidSize:  gidSize,
		policy:   policy,
		service:  css,
	}
}

func (css *containerStateService) ContainerAdd(c domain.ContainerIface) error {
	css.Lock()

	cntr, ok := c.(*container)
	if !ok {
		css.Unlock()
		return errors.New("unexpected container type")
	}

	if _, found := css.idTable.Get([]byte(cntr.id)); found {
		css.Unlock()
		logrus.Errorf("Container addition error: container %s already present",
			cntr.id)
		return fmt.Errorf("container %s already registered", cntr.id)
	}

	// Identify the pid-ns inode of the container's init process, so trapped
	// syscalls can be attributed by namespace membership.
	pidInode, err := css.pidNsInode(cntr.initPid)
	if err != nil {
		css.Unlock()
		logrus.Errorf("Container addition error: no pid-ns found for pid %d (%v)",
			cntr.initPid, err)
		return err
	}
	cntr.pidInode = pidInode

	css.idTable, _, _ = css.idTable.Insert([]byte(cntr.id), cntr)
	css.pidTable[pidInode] = cntr
	css.Unlock()

	logrus.Infof("Registered container: %s", cntr.String())

	return nil
}

func (css *containerStateService) ContainerUpdate(c domain.ContainerIface) error {
	css.Lock()

	cntr, ok := c.(*container)
	if !ok {
		css.Unlock()
		return errors.New("unexpected container type")
	}

	val, found := css.idTable.Get([]byte(cntr.id))
	if !found {
		css.Unlock()
		logrus.Errorf("Container update error: container %s not present",
			cntr.id)
		return fmt.Errorf("container %s not registered", cntr.id)
	}

	curr := val.(*container)
	curr.update(cntr)
	css.Unlock()

	logrus.Infof("Updated container: %s", curr.String())

	return nil
}

func (css *containerStateService) ContainerDelete(c domain.ContainerIface) error {
	css.Lock()

	val, found := css.idTable.Get([]byte(c.ID()))
	if !found {
		css.Unlock()
		logrus.Errorf("Container deletion error: container %s not present",
			c.ID())
		return fmt.Errorf("container %s not registered", c.ID())
	}

	cntr := val.(*container)
	css.idTable, _, _ = css.idTable.Delete([]byte(cntr.id))
	delete(css.pidTable, cntr.pidInode)
	css.Unlock()

	logrus.Infof("Unregistered container: %s", cntr.String())

	return nil
}

func (css *containerStateService) ContainerLookupById(id string) domain.ContainerIface {
	css.RLock()
	defer css.RUnlock()

	val, found := css.idTable.Get([]byte(id))
	if !found {
		return nil
	}

	return val.(*container)
}

// ContainerLookupByIdPrefix returns the container whose id matches the given
// prefix, provided the prefix is unambiguous.
func (css *containerStateService) ContainerLookupByIdPrefix(
	prefix string) domain.ContainerIface {

	css.RLock()
	defer css.RUnlock()

	var matches []*container

	css.idTable.Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		matches = append(matches, v.(*container))
		return len(matches) > 1
	})

	if len(matches) != 1 {
		return nil
	}

	return matches[0]
}

func (css *containerStateService) ContainerLookupByPidInode(
	pidInode domain.Inode) domain.ContainerIface {

	css.RLock()
	defer css.RUnlock()

	cntr, found := css.pidTable[pidInode]
	if !found {
		return nil
	}

	return cntr
}

// pidNsInode obtains the inode of the pid-namespace hosting the given pid.
func (css *containerStateService) pidNsInode(pid uint32) (domain.Inode, error) {

	pidnsPath := "/proc/" + strconv.FormatUint(uint64(pid), 10) + "/ns/pid"

	node := css.ios.NewIOnode("pid", pidnsPath, 0)

	return node.GetNsInode()
}
