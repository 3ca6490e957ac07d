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
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/attrvisor/attrvisor/domain"
	"github.com/attrvisor/attrvisor/sysio"
)

// Test doubles for the pipeline's collaborators. The nsenter double runs the
// emulated syscalls against an in-memory attribute store instead of forking
// a namespace-entering auxiliary process, which keeps the tests runnable
// without privileges.

type fakeProcess struct {
	pid        uint32
	uid        uint32
	gid        uint32
	privileged bool
	cwd        string
	fdPaths    map[int32]string
	paths      map[string]bool // container-relative paths that exist
}

func (p *fakeProcess) Pid() uint32 { return p.pid }
func (p *fakeProcess) Uid() uint32 { return p.uid }
func (p *fakeProcess) Gid() uint32 { return p.gid }
func (p *fakeProcess) Cwd() string { return p.cwd }

func (p *fakeProcess) Root() string {
	return fmt.Sprintf("/proc/%d/root", p.pid)
}

func (p *fakeProcess) IsSysAdminCapabilitySet() bool { return p.privileged }

func (p *fakeProcess) GetFd(fd int32) (string, error) {
	path, ok := p.fdPaths[fd]
	if !ok {
		return "", syscall.EBADF
	}
	return path, nil
}

func (p *fakeProcess) ResolveProcSelf(path string) (string, error) {
	if path == "/proc/self" || strings.HasPrefix(path, "/proc/self/") {
		return fmt.Sprintf("/proc/%d", p.pid) +
			strings.TrimPrefix(path, "/proc/self"), nil
	}
	return path, nil
}

func (p *fakeProcess) PathAccess(path string, mode domain.AccessMode,
	followSymlink bool) (string, error) {

	if !strings.HasPrefix(path, "/") {
		path = p.cwd + "/" + path
	}
	if !p.paths[path] {
		return "", syscall.ENOENT
	}
	return p.Root() + path, nil
}

type fakeProcessService struct {
	proc *fakeProcess
}

func (ps *fakeProcessService) Setup(ios domain.IOServiceIface) {}

func (ps *fakeProcessService) ProcessCreate(pid, uid, gid uint32) domain.ProcessIface {
	return ps.proc
}

type fakeContainer struct {
	id     string
	policy *domain.XattrPolicy
}

func (c *fakeContainer) ID() string                       { return c.id }
func (c *fakeContainer) InitPid() uint32                  { return 1 }
func (c *fakeContainer) Ctime() time.Time                 { return time.Time{} }
func (c *fakeContainer) PidInode() domain.Inode           { return 0 }
func (c *fakeContainer) UidFirst() uint32                 { return 165536 }
func (c *fakeContainer) UidSize() uint32                  { return 65536 }
func (c *fakeContainer) GidFirst() uint32                 { return 165536 }
func (c *fakeContainer) GidSize() uint32                  { return 65536 }
func (c *fakeContainer) XattrPolicy() *domain.XattrPolicy { return c.policy.Clone() }
func (c *fakeContainer) String() string                   { return c.id }

type fakeContainerService struct {
	domain.ContainerStateServiceIface

	cntrs map[string]*fakeContainer
}

func (css *fakeContainerService) ContainerLookupById(id string) domain.ContainerIface {
	if c, ok := css.cntrs[id]; ok {
		return c
	}
	return nil
}

func (css *fakeContainerService) ContainerLookupByIdPrefix(
	prefix string) domain.ContainerIface {

	var match *fakeContainer
	for id, c := range css.cntrs {
		if strings.HasPrefix(id, prefix) {
			if match != nil {
				return nil
			}
			match = c
		}
	}
	if match == nil {
		return nil
	}
	return match
}

// fakeNSenterService emulates the auxiliary instance without forking; the
// emulated syscalls run against the buffer-backed I/O service, the same
// ionode layer the real agent executes through.
type fakeNSenterService struct {
	ios   domain.IOServiceIface
	block bool // park SendRequestEvent until ctx cancel
}

func newFakeNSenterService() *fakeNSenterService {
	return &fakeNSenterService{
		ios: sysio.NewIOService(domain.IOBufferService),
	}
}

func (nss *fakeNSenterService) seed(path, name string, val []byte) {
	node := nss.ios.NewIOnode(name, path, 0)
	if err := node.SetXattr(name, val, 0); err != nil {
		panic(err)
	}
}

func (nss *fakeNSenterService) Setup(prs domain.ProcessServiceIface) {}

func (nss *fakeNSenterService) NewEvent(
	pid uint32,
	uid uint32,
	gid uint32,
	ns *[]domain.NStype,
	req *domain.NSenterMessage,
	res *domain.NSenterMessage) domain.NSenterEventIface {

	return &fakeNSenterEvent{nss: nss, reqMsg: req, resMsg: res}
}

func (nss *fakeNSenterService) SendRequestEvent(
	ctx context.Context, e domain.NSenterEventIface) error {

	if nss.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return e.SendRequest(ctx)
}

func (nss *fakeNSenterService) ReceiveResponseEvent(
	e domain.NSenterEventIface) *domain.NSenterMessage {

	return e.ReceiveResponse()
}

type fakeNSenterEvent struct {
	nss    *fakeNSenterService
	reqMsg *domain.NSenterMessage
	resMsg *domain.NSenterMessage
}

func (e *fakeNSenterEvent) SendRequest(ctx context.Context) error {
	e.resMsg = e.nss.execute(e.reqMsg)
	return nil
}

func (e *fakeNSenterEvent) ReceiveResponse() *domain.NSenterMessage { return e.resMsg }
func (e *fakeNSenterEvent) SetRequestMsg(m *domain.NSenterMessage)  { e.reqMsg = m }
func (e *fakeNSenterEvent) GetRequestMsg() *domain.NSenterMessage   { return e.reqMsg }
func (e *fakeNSenterEvent) SetResponseMsg(m *domain.NSenterMessage) { e.resMsg = m }
func (e *fakeNSenterEvent) GetResponseMsg() *domain.NSenterMessage  { return e.resMsg }

func (nss *fakeNSenterService) execute(
	req *domain.NSenterMessage) *domain.NSenterMessage {

	errResp := func(err error) *domain.NSenterMessage {
		errno, ok := err.(syscall.Errno)
		if !ok {
			errno = syscall.EIO
		}
		return &domain.NSenterMessage{
			Type:    domain.ErrorResponse,
			Payload: domain.IOerror{Code: errno},
		}
	}

	switch req.Type {

	case domain.SetxattrSyscallRequest:
		p := req.Payload.(*domain.SetxattrSyscallPayload)
		node := nss.ios.NewIOnode(p.Name, p.Path, 0)
		if err := node.SetXattr(p.Name, p.Val, p.Flags); err != nil {
			return errResp(err)
		}
		return &domain.NSenterMessage{Type: domain.SetxattrSyscallResponse}

	case domain.GetxattrSyscallRequest:
		p := req.Payload.(*domain.GetxattrSyscallPayload)
		node := nss.ios.NewIOnode(p.Name, p.Path, 0)
		val, err := node.GetXattr(p.Name)
		if err != nil {
			return errResp(err)
		}
		return &domain.NSenterMessage{
			Type: domain.GetxattrSyscallResponse,
			Payload: domain.GetxattrRespPayload{
				Val:  val,
				Size: len(val),
			},
		}

	case domain.RemovexattrSyscallRequest:
		p := req.Payload.(*domain.RemovexattrSyscallPayload)
		node := nss.ios.NewIOnode(p.Name, p.Path, 0)
		if err := node.RemoveXattr(p.Name); err != nil {
			return errResp(err)
		}
		return &domain.NSenterMessage{Type: domain.RemovexattrSyscallResponse}

	case domain.ListxattrSyscallRequest:
		p := req.Payload.(*domain.ListxattrSyscallPayload)
		node := nss.ios.NewIOnode("", p.Path, 0)
		names, err := node.ListXattr()
		if err != nil {
			return errResp(err)
		}
		return &domain.NSenterMessage{
			Type:    domain.ListxattrSyscallResponse,
			Payload: domain.ListxattrRespPayload{Names: names},
		}
	}

	return errResp(syscall.EINVAL)
}

//
// Pipeline fixture.
//

type pipelineFixture struct {
	svc  domain.XattrServiceIface
	proc *fakeProcess
	nss  *fakeNSenterService
	pol  *domain.XattrPolicy
}

func newPipelineFixture() *pipelineFixture {

	pol := &domain.XattrPolicy{
		AllowTrustedXattr: true,
		HonoredXattrs:     mapset.NewSet("trusted.overlay.opaque"),
		UidOffset:         165536,
		GidOffset:         165536,
	}

	proc := &fakeProcess{
		pid:        1001,
		privileged: true,
		cwd:        "/data",
		fdPaths:    map[int32]string{7: "/data/dir"},
		paths: map[string]bool{
			"/":          true,
			"/data":      true,
			"/data/dir":  true,
			"/data/file": true,
		},
	}

	css := &fakeContainerService{
		cntrs: map[string]*fakeContainer{
			"c1234567890": {id: "c1234567890", policy: pol},
		},
	}

	nss := newFakeNSenterService()

	svc := NewXattrService()
	svc.Setup(css, &fakeProcessService{proc: proc}, nss)

	return &pipelineFixture{svc: svc, proc: proc, nss: nss, pol: pol}
}

func setEvent(syscall, path, name string, val []byte) *domain.SyscallEvent {
	return &domain.SyscallEvent{
		ReqId:       1,
		Syscall:     syscall,
		Pid:         1001,
		ContainerId: "c1234567890",
		Path:        path,
		Name:        name,
		Val:         val,
	}
}

func getEvent(path, name string, size uint64) *domain.SyscallEvent {
	return &domain.SyscallEvent{
		ReqId:       2,
		Syscall:     "getxattr",
		Pid:         1001,
		ContainerId: "c1234567890",
		Path:        path,
		Name:        name,
		Size:        size,
	}
}

func listEvent(path string, size uint64) *domain.SyscallEvent {
	return &domain.SyscallEvent{
		ReqId:       3,
		Syscall:     "listxattr",
		Pid:         1001,
		ContainerId: "c1234567890",
		Path:        path,
		Size:        size,
	}
}
