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

package ipc

import (
	"context"
	"errors"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/attrvisor/attrvisor/domain"
)

// PolicyDefaults carries the daemon-wide xattr policy knobs applied to
// containers whose registration doesn't override them.
type PolicyDefaults struct {
	AllowTrustedXattr bool
	HonoredXattrs     []string
}

type IpcService struct {
	grpcServer *grpc.Server
	css        domain.ContainerStateServiceIface
	addr       string
	defaults   PolicyDefaults
}

func NewIpcService(
	addr string,
	css domain.ContainerStateServiceIface,
	defaults PolicyDefaults) *IpcService {

	return &IpcService{
		addr:     addr,
		css:      css,
		defaults: defaults,
	}
}

func (s *IpcService) Init() error {

	srv, err := serve(s.addr, s)
	if err != nil {
		return err
	}
	s.grpcServer = srv

	logrus.Infof("Listening for container admin requests on %s", s.addr)

	return nil
}

func (s *IpcService) Stop() {
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// policyFor builds a container's xattr policy from the daemon defaults plus
// whatever the registration overrides.
func (s *IpcService) policyFor(data *ContainerData) *domain.XattrPolicy {

	allow := s.defaults.AllowTrustedXattr
	if data.AllowTrustedXattr != nil {
		allow = *data.AllowTrustedXattr
	}

	honored := mapset.NewSet(s.defaults.HonoredXattrs...)
	for _, name := range data.HonoredXattrs {
		honored.Add(name)
	}

	return &domain.XattrPolicy{
		AllowTrustedXattr: allow,
		HonoredXattrs:     honored,
		UidOffset:         uint32(data.UidFirst),
		GidOffset:         uint32(data.GidFirst),
	}
}

func (s *IpcService) Register(
	ctx context.Context,
	data *ContainerData) (*AdminResponse, error) {

	if data == nil || data.Id == "" || data.InitPid <= 0 {
		return nil, errors.New("invalid container registration data")
	}

	logrus.Infof("Registering container %s (init pid %d)", data.Id, data.InitPid)

	cntr := s.css.ContainerCreate(
		data.Id,
		uint32(data.InitPid),
		data.Ctime,
		uint32(data.UidFirst),
		uint32(data.UidSize),
		uint32(data.GidFirst),
		uint32(data.GidSize),
		s.policyFor(data),
	)

	if err := s.css.ContainerAdd(cntr); err != nil {
		return nil, err
	}

	logrus.Infof("Container registration completed: %s", cntr.String())

	return &AdminResponse{Ok: true}, nil
}

func (s *IpcService) Unregister(
	ctx context.Context,
	ref *ContainerRef) (*AdminResponse, error) {

	if ref == nil || ref.Id == "" {
		return nil, errors.New("invalid container unregistration data")
	}

	logrus.Infof("Unregistering container %s", ref.Id)

	cntr := s.css.ContainerLookupById(ref.Id)
	if cntr == nil {
		return nil, errors.New("container " + ref.Id + " not registered")
	}

	if err := s.css.ContainerDelete(cntr); err != nil {
		return nil, err
	}

	logrus.Infof("Container unregistration completed: %s", ref.Id)

	return &AdminResponse{Ok: true}, nil
}

func (s *IpcService) Update(
	ctx context.Context,
	data *ContainerData) (*AdminResponse, error) {

	if data == nil || data.Id == "" {
		return nil, errors.New("invalid container update data")
	}

	prev := s.css.ContainerLookupById(data.Id)
	if prev == nil {
		return nil, errors.New("container " + data.Id + " not registered")
	}

	// Updates refresh the policy (and creation time, which container
	// managers learn late in some runtimes); identity attributes persist.
	ctime := prev.Ctime()
	if !data.Ctime.IsZero() {
		ctime = data.Ctime
	}

	// Policy knobs the update leaves unset keep the container's previous
	// values rather than falling back to the daemon defaults.
	pol := prev.XattrPolicy()
	if data.AllowTrustedXattr != nil {
		pol.AllowTrustedXattr = *data.AllowTrustedXattr
	}
	if data.HonoredXattrs != nil {
		honored := mapset.NewSet(s.defaults.HonoredXattrs...)
		for _, name := range data.HonoredXattrs {
			honored.Add(name)
		}
		pol.HonoredXattrs = honored
	}

	cntr := s.css.ContainerCreate(
		data.Id,
		prev.InitPid(),
		ctime,
		prev.UidFirst(),
		prev.UidSize(),
		prev.GidFirst(),
		prev.GidSize(),
		pol,
	)

	if err := s.css.ContainerUpdate(cntr); err != nil {
		return nil, err
	}

	logrus.Infof("Container update completed: %s", data.Id)

	return &AdminResponse{Ok: true}, nil
}
