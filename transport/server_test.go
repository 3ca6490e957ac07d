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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attrvisor/attrvisor/domain"
)

// echoService answers every event with a canned response, recording the
// context it was handed so cancellation can be asserted on.
type echoService struct {
	mu      sync.Mutex
	blockOn map[uint64]chan struct{} // reqIds that park until ctx cancel
	seen    []uint64
}

func newEchoService() *echoService {
	return &echoService{blockOn: make(map[uint64]chan struct{})}
}

func (s *echoService) Setup(css domain.ContainerStateServiceIface,
	prs domain.ProcessServiceIface, nss domain.NSenterServiceIface) {
}

func (s *echoService) ProcessEvent(ctx context.Context,
	ev *domain.SyscallEvent) (*domain.SyscallResponse, error) {

	s.mu.Lock()
	s.seen = append(s.seen, ev.ReqId)
	blocker := s.blockOn[ev.ReqId]
	s.mu.Unlock()

	if blocker != nil {
		close(blocker)
		<-ctx.Done()
		return &domain.SyscallResponse{
			ReqId: ev.ReqId,
			Errno: syscall.EINTR,
		}, nil
	}

	if ev.Syscall == "fail" {
		return nil, errors.New("pipeline fault")
	}

	return &domain.SyscallResponse{ReqId: ev.ReqId, Val: 7}, nil
}

type testClient struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func startTestServer(t *testing.T, xs domain.XattrServiceIface) (*Server, *testClient) {
	t.Helper()

	addr := filepath.Join(t.TempDir(), "events.sock")
	srv := NewServer(addr, xs)

	go func() {
		_ = srv.Init()
	}()
	t.Cleanup(srv.Stop)

	var (
		conn net.Conn
		err  error
	)
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, &testClient{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

func TestServerRoundTrip(t *testing.T) {

	_, cl := startTestServer(t, newEchoService())

	err := cl.enc.Encode(&domain.SyscallEvent{ReqId: 1, Syscall: "getxattr"})
	require.NoError(t, err)

	var resp domain.SyscallResponse
	require.NoError(t, cl.dec.Decode(&resp))
	assert.Equal(t, uint64(1), resp.ReqId)
	assert.Equal(t, uint64(7), resp.Val)
}

func TestServerInfraFaultYieldsEINVAL(t *testing.T) {

	_, cl := startTestServer(t, newEchoService())

	require.NoError(t, cl.enc.Encode(&domain.SyscallEvent{ReqId: 2, Syscall: "fail"}))

	var resp domain.SyscallResponse
	require.NoError(t, cl.dec.Decode(&resp))
	assert.Equal(t, syscall.EINVAL, resp.Errno)
}

func TestServerConcurrentEvents(t *testing.T) {

	svc := newEchoService()
	_, cl := startTestServer(t, svc)

	const n = 16
	for i := 1; i <= n; i++ {
		require.NoError(t, cl.enc.Encode(
			&domain.SyscallEvent{ReqId: uint64(i), Syscall: "getxattr"}))
	}

	got := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		var resp domain.SyscallResponse
		require.NoError(t, cl.dec.Decode(&resp))
		assert.False(t, got[resp.ReqId], "duplicate response %d", resp.ReqId)
		got[resp.ReqId] = true
	}
	assert.Len(t, got, n)
}

func TestServerCancelInflight(t *testing.T) {

	svc := newEchoService()
	blocked := make(chan struct{})
	svc.blockOn[33] = blocked

	_, cl := startTestServer(t, svc)

	require.NoError(t, cl.enc.Encode(
		&domain.SyscallEvent{ReqId: 33, Syscall: "setxattr"}))

	// Wait until the handler is parked on its context, then abort it.
	<-blocked
	require.NoError(t, cl.enc.Encode(
		&domain.SyscallEvent{ReqId: 33, Syscall: "cancel"}))

	var resp domain.SyscallResponse
	require.NoError(t, cl.dec.Decode(&resp))
	assert.Equal(t, uint64(33), resp.ReqId)
	assert.Equal(t, syscall.EINTR, resp.Errno)
}

func TestServerCancelUnknownReqIsNoop(t *testing.T) {

	_, cl := startTestServer(t, newEchoService())

	require.NoError(t, cl.enc.Encode(
		&domain.SyscallEvent{ReqId: 99, Syscall: "cancel"}))

	// The connection stays usable.
	require.NoError(t, cl.enc.Encode(
		&domain.SyscallEvent{ReqId: 100, Syscall: "getxattr"}))

	var resp domain.SyscallResponse
	require.NoError(t, cl.dec.Decode(&resp))
	assert.Equal(t, uint64(100), resp.ReqId)
}
