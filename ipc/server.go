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
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
)

// Admin API message set. Container managers (runtimes, orchestration shims)
// use it to register their containers with attrvisor before any syscall of
// theirs gets trapped.

type ContainerData struct {
	Id       string    `json:"id"`
	InitPid  int32     `json:"initPid"`
	Ctime    time.Time `json:"ctime"`
	UidFirst int32     `json:"uidFirst"`
	UidSize  int32     `json:"uidSize"`
	GidFirst int32     `json:"gidFirst"`
	GidSize  int32     `json:"gidSize"`

	// Per-container policy knobs; nil/empty fall back to the daemon-wide
	// defaults.
	AllowTrustedXattr *bool    `json:"allowTrustedXattr,omitempty"`
	HonoredXattrs     []string `json:"honoredXattrs,omitempty"`
}

type ContainerRef struct {
	Id string `json:"id"`
}

type AdminResponse struct {
	Ok bool `json:"ok"`
}

// containerAdminServer is the server-side contract of the admin API.
type containerAdminServer interface {
	Register(ctx context.Context, data *ContainerData) (*AdminResponse, error)
	Unregister(ctx context.Context, ref *ContainerRef) (*AdminResponse, error)
	Update(ctx context.Context, data *ContainerData) (*AdminResponse, error)
}

const adminServiceName = "attrvisor.ContainerAdmin"

// Hand-rolled service descriptor; with a JSON codec there is no generated
// code to provide one.
var containerAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*containerAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler:    registerHandler,
		},
		{
			MethodName: "Unregister",
			Handler:    unregisterHandler,
		},
		{
			MethodName: "Update",
			Handler:    updateHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attrvisor/ipc",
}

func registerHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(ContainerData)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(containerAdminServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + adminServiceName + "/Register",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(containerAdminServer).Register(ctx, req.(*ContainerData))
	}
	return interceptor(ctx, in, info, handler)
}

func unregisterHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(ContainerRef)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(containerAdminServer).Unregister(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + adminServiceName + "/Unregister",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(containerAdminServer).Unregister(ctx, req.(*ContainerRef))
	}
	return interceptor(ctx, in, info, handler)
}

func updateHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

	in := new(ContainerData)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(containerAdminServer).Update(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + adminServiceName + "/Update",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(containerAdminServer).Update(ctx, req.(*ContainerData))
	}
	return interceptor(ctx, in, info, handler)
}

// serve exposes the given admin implementation on the unix socket at addr.
// The returned grpc.Server is already serving (on its own goroutine).
func serve(addr string, impl containerAdminServer) (*grpc.Server, error) {

	if err := os.RemoveAll(addr); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer()
	srv.RegisterService(&containerAdminServiceDesc, impl)

	go func() {
		_ = srv.Serve(ln)
	}()

	return srv, nil
}
