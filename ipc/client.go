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

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// AdminClient is the client side of the container admin API, used by
// container managers to register their containers with the daemon.
type AdminClient struct {
	conn *grpc.ClientConn
}

func Dial(addr string) (*AdminClient, error) {

	conn, err := grpc.Dial(
		"unix://"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}

	return &AdminClient{conn: conn}, nil
}

// NewAdminClient wraps an existing client connection; the connection must
// have been dialed with the JSON content-subtype call option.
func NewAdminClient(conn *grpc.ClientConn) *AdminClient {
	return &AdminClient{conn: conn}
}

func (c *AdminClient) Close() error {
	return c.conn.Close()
}

func (c *AdminClient) Register(
	ctx context.Context, data *ContainerData) (*AdminResponse, error) {

	out := new(AdminResponse)
	err := c.conn.Invoke(ctx, "/"+adminServiceName+"/Register", data, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) Unregister(
	ctx context.Context, ref *ContainerRef) (*AdminResponse, error) {

	out := new(AdminResponse)
	err := c.conn.Invoke(ctx, "/"+adminServiceName+"/Unregister", ref, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) Update(
	ctx context.Context, data *ContainerData) (*AdminResponse, error) {

	out := new(AdminResponse)
	err := c.conn.Invoke(ctx, "/"+adminServiceName+"/Update", data, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
