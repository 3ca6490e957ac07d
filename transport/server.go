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
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/attrvisor/attrvisor/domain"
)

// The tracer collaborator (the component actually trapping the syscalls)
// connects over a unix socket and exchanges newline-free JSON records: one
// SyscallEvent per trapped call, one SyscallResponse per event. Events are
// independent, so each one is served on its own goroutine; responses may
// arrive out of order and are correlated by request id.
//
// A "cancel" pseudo-event aborts the in-flight event carrying the same
// request id (the tracee got signaled); the handler observes the aborted
// context and responds EINTR.

const cancelEvent = "cancel"

type Server struct {
	addr string
	xs   domain.XattrServiceIface
	ln   net.Listener

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	stopped  bool
}

func NewServer(addr string, xs domain.XattrServiceIface) *Server {
	return &Server{
		addr:     addr,
		xs:       xs,
		inflight: make(map[uint64]context.CancelFunc),
	}
}

// Init binds the event socket and starts serving connections. It blocks
// until Stop() is invoked or the listener fails.
func (s *Server) Init() error {

	if err := os.RemoveAll(s.addr); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	logrus.Infof("Listening for syscall events on %s", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return err
		}

		go s.connHandler(conn)
	}
}

func (s *Server) Stop() {

	s.mu.Lock()
	s.stopped = true
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *Server) connHandler(conn net.Conn) {

	defer conn.Close()

	// One encoder per connection; handler goroutines serialize on writeMu.
	var writeMu sync.Mutex
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	for {
		var ev domain.SyscallEvent

		if err := dec.Decode(&ev); err != nil {
			if err != io.EOF {
				logrus.Infof("Closing event connection: %v", err)
			}
			return
		}

		if ev.Syscall == cancelEvent {
			s.cancelRequest(ev.ReqId)
			continue
		}

		go s.process(&ev, enc, &writeMu)
	}
}

func (s *Server) process(
	ev *domain.SyscallEvent,
	enc *json.Encoder,
	writeMu *sync.Mutex) {

	ctx, cancel := context.WithCancel(context.Background())
	s.trackRequest(ev.ReqId, cancel)
	defer s.untrackRequest(ev.ReqId)

	resp, err := s.xs.ProcessEvent(ctx, ev)
	if err != nil {
		// Infrastructure fault; the tracee gets EINVAL rather than having its
		// syscall silently swallowed or passed through unvirtualized.
		logrus.Errorf("Failed to process %s() req %d: %v",
			ev.Syscall, ev.ReqId, err)
		resp = &domain.SyscallResponse{
			ReqId: ev.ReqId,
			Errno: syscall.EINVAL,
		}
	}

	writeMu.Lock()
	err = enc.Encode(resp)
	writeMu.Unlock()

	if err != nil {
		logrus.Warnf("Failed to send response for req %d: %v", ev.ReqId, err)
	}
}

func (s *Server) trackRequest(reqId uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[reqId] = cancel
	s.mu.Unlock()
}

func (s *Server) untrackRequest(reqId uint64) {
	s.mu.Lock()
	cancel, ok := s.inflight[reqId]
	delete(s.inflight, reqId)
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

func (s *Server) cancelRequest(reqId uint64) {
	s.mu.Lock()
	cancel, ok := s.inflight[reqId]
	s.mu.Unlock()

	if ok {
		logrus.Debugf("Canceling in-flight req %d", reqId)
		cancel()
	}
}
