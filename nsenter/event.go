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

package nsenter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/runc/libcontainer"
	_ "github.com/opencontainers/runc/libcontainer/nsenter"
	"github.com/opencontainers/runc/libcontainer/utils"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/attrvisor/attrvisor/domain"
	"github.com/attrvisor/attrvisor/sysio"
)

func init() {
	if len(os.Args) > 1 && os.Args[1] == "nsenter" {
		runtime.GOMAXPROCS(1)
		runtime.LockOSThread()
	}
}

// Pid struct. Utilized by runc's nsexec code.
type pid struct {
	Pid           int `json:"pid"`
	PidFirstChild int `json:"pid_first"`
}

//
// NSenterEvent struct serves as a transport abstraction to represent all the
// potential messages that can be exchanged between attrvisor's main instance
// and its secondary (forked) ones. These auxiliary instances are utilized to
// carry out actions over namespaced resources, and as such, cannot be
// performed by attrvisor's main instance.
//
// Every bidirectional transaction is represented by an event structure
// (NSenterEvent), which holds both 'request' and 'response' messages, as well
// as the context necessary to complete any action demanding inter-namespace
// message exchanges.
//
type NSenterEvent struct {

	// Pid of the process whose namespaces the event must execute in.
	Pid uint32 `json:"pid"`

	// Credentials the auxiliary instance must assume before acting. Zero
	// values keep the root credentials inherited from the main instance,
	// which is what trusted.* emulation demands.
	Uid uint32 `json:"uid"`
	Gid uint32 `json:"gid"`

	// namespace-types to attach to.
	Namespace *[]domain.NStype `json:"namespace"`

	// Request message to be sent.
	ReqMsg *domain.NSenterMessage `json:"request"`

	// Response message received.
	ResMsg *domain.NSenterMessage `json:"response"`

	// Sub-process hosting the auxiliary instance.
	cmd *exec.Cmd

	// Process the cancellation path must signal. Points at the first child
	// until the grand-child is adopted; guarded as both the launch sequence
	// and the cancellation goroutine touch it.
	procMu     sync.Mutex
	proc       *os.Process
	procKilled bool

	// I/O backend the auxiliary instance executes xattr requests through.
	ios domain.IOServiceIface

	reaper *zombieReaper
}

// trackProcess records the process a pending cancellation must signal. If a
// cancellation already fired while no live target was tracked, the new target
// is signaled right away so it doesn't outlive the aborted request.
func (e *NSenterEvent) trackProcess(p *os.Process) {
	e.procMu.Lock()
	e.proc = p
	killed := e.procKilled
	e.procMu.Unlock()

	if killed {
		_ = p.Kill()
	}
}

// killProcess signals the currently tracked process and flags the event as
// killed, so a target adopted afterwards is signaled on arrival.
func (e *NSenterEvent) killProcess() {
	e.procMu.Lock()
	e.procKilled = true
	p := e.proc
	e.procMu.Unlock()

	if p != nil {
		_ = p.Kill()
	}
}

///////////////////////////////////////////////////////////////////////////////
//
// NSenterEvent methods below execute within the context of attrvisor's main
// instance, upon invocation of the privileged-proxy logic.
//
///////////////////////////////////////////////////////////////////////////////

//
// Called to parse the response generated by attrvisor's grand-child process.
//
func (e *NSenterEvent) processResponse(pipe io.Reader) error {

	var payload json.RawMessage
	nsenterMsg := domain.NSenterMessage{
		Payload: &payload,
	}

	// Read all state received from the incoming pipe.
	data, err := ioutil.ReadAll(pipe)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("no nsenter response received")
	}

	// Received message is decoded in two phases. The first unmarshal call
	// takes care of decoding the message-type being received. Based on the
	// obtained type, we are able to decode the polymorphic payload generated
	// by the remote end.
	if err = json.Unmarshal(data, &nsenterMsg); err != nil {
		return errors.New("error decoding received nsenter response")
	}

	switch nsenterMsg.Type {

	case domain.SetxattrSyscallResponse, domain.RemovexattrSyscallResponse:
		e.ResMsg = &domain.NSenterMessage{
			Type:    nsenterMsg.Type,
			Payload: nil,
		}

	case domain.GetxattrSyscallResponse:
		var p domain.GetxattrRespPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.ResMsg = &domain.NSenterMessage{
			Type:    nsenterMsg.Type,
			Payload: p,
		}

	case domain.ListxattrSyscallResponse:
		var p domain.ListxattrRespPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.ResMsg = &domain.NSenterMessage{
			Type:    nsenterMsg.Type,
			Payload: p,
		}

	case domain.ErrorResponse:
		var p domain.IOerror
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		e.ResMsg = &domain.NSenterMessage{
			Type:    nsenterMsg.Type,
			Payload: p,
		}

	default:
		return errors.New("received unsupported nsenter message")
	}

	return nil
}

//
// Auxiliary function to obtain the FS path associated to any given namespace.
// These FS paths are utilized by runc's nsexec logic to enter the desired
// namespaces.
//
// Expected format example: "mnt:/proc/<pid>/ns/mnt"
//
func (e *NSenterEvent) namespacePaths() []string {

	var paths []string

	for _, nstype := range *e.Namespace {
		path := fmt.Sprintf("%s:/proc/%d/ns/%s", nstype, e.Pid, nstype)
		paths = append(paths, path)
	}

	return paths
}

//
// Requests are generated through this method. The privileged proxy calls it
// to invoke runc's nsexec logic, which serves to enter the container
// namespaces that host the syscall's target.
//
// A context cancellation while the auxiliary instance runs kills it; the
// caller observes the cancellation through the returned error.
//
func (e *NSenterEvent) SendRequest(ctx context.Context) error {

	logrus.Debugf("Launching nsenter agent for pid %d (%v)",
		e.Pid, *e.Namespace)

	if e.reaper != nil {
		e.reaper.nsenterStarted()
		defer e.reaper.nsenterEnded()
	}

	// Create a socket pair.
	parentPipe, childPipe, err := utils.NewSockPair("nsenterPipe")
	if err != nil {
		return errors.New("error creating attrvisor nsenter pipe")
	}
	defer parentPipe.Close()

	// Obtain the FS path for all the namespaces to be nsenter'ed into, and
	// define the associated netlink-payload to transfer to child process.
	namespaces := e.namespacePaths()

	r := nl.NewNetlinkRequest(int(libcontainer.InitMsg), 0)
	r.AddData(&libcontainer.Bytemsg{
		Type:  libcontainer.NsPathsAttr,
		Value: []byte(strings.Join(namespaces, ",")),
	})

	// Prepare exec.Cmd in charge of running: "attrvisor nsenter".
	cmd := &exec.Cmd{
		Path:       "/proc/self/exe",
		Args:       []string{os.Args[0], "nsenter"},
		ExtraFiles: []*os.File{childPipe},
		Env: []string{
			"_LIBCONTAINER_INITPIPE=3",
			fmt.Sprintf("GOMAXPROCS=%s", os.Getenv("GOMAXPROCS")),
		},
		Stdin:  nil,
		Stdout: nil,
		Stderr: nil,
	}
	e.cmd = cmd

	// Launch attrvisor's first child process.
	err = cmd.Start()
	childPipe.Close()
	if err != nil {
		return errors.New("error launching attrvisor first child process")
	}
	e.trackProcess(cmd.Process)

	// Kill the auxiliary instance if the original syscall is aborted while
	// we wait on it.
	launchDone := make(chan struct{})
	defer close(launchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.killProcess()
			if e.reaper != nil {
				e.reaper.nsenterReapReq()
			}
		case <-launchDone:
		}
	}()

	// Send the config to child process.
	if _, err := io.Copy(parentPipe, bytes.NewReader(r.Serialize())); err != nil {
		cmd.Wait()
		return errors.New("error copying bootstrap payload to pipe")
	}

	// Wait for attrvisor's first child process to finish.
	status, err := cmd.Process.Wait()
	if err != nil {
		cmd.Wait()
		return err
	}
	if !status.Success() {
		cmd.Wait()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.New("error waiting for attrvisor first child process")
	}

	// Receive attrvisor's first-child pid.
	var pid pid
	decoder := json.NewDecoder(parentPipe)
	if err := decoder.Decode(&pid); err != nil {
		cmd.Wait()
		return errors.New("error receiving first-child pid")
	}

	firstChildProcess, err := os.FindProcess(pid.PidFirstChild)
	if err != nil {
		return err
	}

	// Wait for attrvisor's second child process to finish. Ignore the error
	// in case the child has already been reaped for any reason.
	_, _ = firstChildProcess.Wait()

	// Attrvisor's third child (grand-child) process remains and will enter
	// the go runtime.
	process, err := os.FindProcess(pid.Pid)
	if err != nil {
		return err
	}
	cmd.Process = process
	e.trackProcess(process)

	// Transfer the event details to the grand-child for processing.
	if err := utils.WriteJSON(parentPipe, e); err != nil {
		cmd.Wait()
		return errors.New("error writing nsenter event through pipe")
	}

	// Wait for the grand-child response and process it accordingly.
	ierr := e.processResponse(parentPipe)

	// Destroy the socket pair.
	if err := unix.Shutdown(int(parentPipe.Fd()), unix.SHUT_WR); err != nil {
		logrus.Warnf("Failed to shut down nsenter pipe: %v", err)
	}

	cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return ierr
}

func (e *NSenterEvent) ReceiveResponse() *domain.NSenterMessage {
	return e.ResMsg
}

func (e *NSenterEvent) SetRequestMsg(m *domain.NSenterMessage) {
	e.ReqMsg = m
}

func (e *NSenterEvent) GetRequestMsg() *domain.NSenterMessage {
	return e.ReqMsg
}

func (e *NSenterEvent) SetResponseMsg(m *domain.NSenterMessage) {
	e.ResMsg = m
}

func (e *NSenterEvent) GetResponseMsg() *domain.NSenterMessage {
	return e.ResMsg
}

///////////////////////////////////////////////////////////////////////////////
//
// NSenterEvent methods below execute within the context of container
// namespaces. In other words, they are invoked as part of "attrvisor nsenter"
// execution.
//
///////////////////////////////////////////////////////////////////////////////

func (e *NSenterEvent) errorResponse(err error) {
	e.ResMsg = &domain.NSenterMessage{
		Type:    domain.ErrorResponse,
		Payload: &domain.IOerror{RcvError: err},
	}
}

// The received paths are fully resolved by the main instance; a trailing
// symlink, if any, is itself the intended target, so the ionode layer's
// non-dereferencing semantics are always the right tool.

func (e *NSenterEvent) processSetxattrRequest(payload json.RawMessage) error {

	var p domain.SetxattrSyscallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	node := e.ios.NewIOnode(p.Name, p.Path, 0)
	if err := node.SetXattr(p.Name, p.Val, p.Flags); err != nil {
		e.errorResponse(os.NewSyscallError("setxattr", err))
		return nil
	}

	e.ResMsg = &domain.NSenterMessage{
		Type:    domain.SetxattrSyscallResponse,
		Payload: nil,
	}

	return nil
}

func (e *NSenterEvent) processGetxattrRequest(payload json.RawMessage) error {

	var p domain.GetxattrSyscallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	// Fetch the full value regardless of the original caller's buffer size;
	// the main instance applies the buffer-size conventions.
	node := e.ios.NewIOnode(p.Name, p.Path, 0)
	val, err := node.GetXattr(p.Name)
	if err != nil {
		e.errorResponse(os.NewSyscallError("getxattr", err))
		return nil
	}

	e.ResMsg = &domain.NSenterMessage{
		Type: domain.GetxattrSyscallResponse,
		Payload: &domain.GetxattrRespPayload{
			Val:  val,
			Size: len(val),
		},
	}

	return nil
}

func (e *NSenterEvent) processRemovexattrRequest(payload json.RawMessage) error {

	var p domain.RemovexattrSyscallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	node := e.ios.NewIOnode(p.Name, p.Path, 0)
	if err := node.RemoveXattr(p.Name); err != nil {
		e.errorResponse(os.NewSyscallError("removexattr", err))
		return nil
	}

	e.ResMsg = &domain.NSenterMessage{
		Type:    domain.RemovexattrSyscallResponse,
		Payload: nil,
	}

	return nil
}

func (e *NSenterEvent) processListxattrRequest(payload json.RawMessage) error {

	var p domain.ListxattrSyscallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	node := e.ios.NewIOnode("", p.Path, 0)
	names, err := node.ListXattr()
	if err != nil {
		e.errorResponse(os.NewSyscallError("listxattr", err))
		return nil
	}

	e.ResMsg = &domain.NSenterMessage{
		Type: domain.ListxattrSyscallResponse,
		Payload: &domain.ListxattrRespPayload{
			Names: names,
		},
	}

	return nil
}

// Method in charge of processing the request generated by attrvisor's main
// instance.
func (e *NSenterEvent) processRequest(pipe io.Reader) error {

	// The event arrives with a polymorphic request payload; decode it in two
	// phases, like the response path does.
	var payload json.RawMessage
	event := struct {
		Pid       uint32                 `json:"pid"`
		Uid       uint32                 `json:"uid"`
		Gid       uint32                 `json:"gid"`
		Namespace *[]domain.NStype       `json:"namespace"`
		ReqMsg    *domain.NSenterMessage `json:"request"`
	}{
		ReqMsg: &domain.NSenterMessage{
			Payload: &payload,
		},
	}

	if err := json.NewDecoder(pipe).Decode(&event); err != nil {
		return errors.New("error decoding received nsenter request")
	}

	e.Pid = event.Pid
	e.Uid = event.Uid
	e.Gid = event.Gid
	e.Namespace = event.Namespace
	e.ReqMsg = event.ReqMsg

	switch e.ReqMsg.Type {

	case domain.SetxattrSyscallRequest:
		return e.processSetxattrRequest(payload)

	case domain.GetxattrSyscallRequest:
		return e.processGetxattrRequest(payload)

	case domain.RemovexattrSyscallRequest:
		return e.processRemovexattrRequest(payload)

	case domain.ListxattrSyscallRequest:
		return e.processListxattrRequest(payload)

	default:
		e.ResMsg = &domain.NSenterMessage{
			Type:    domain.ErrorResponse,
			Payload: &domain.IOerror{Message: "unsupported request"},
		}
	}

	return nil
}

//
// Attrvisor's post-nsexec initialization function. To be executed within the
// context of one (or more) container namespaces.
//
func Init() (err error) {

	var (
		pipefd      int
		envInitPipe = os.Getenv("_LIBCONTAINER_INITPIPE")
	)

	// Get the INITPIPE.
	pipefd, err = strconv.Atoi(envInitPipe)
	if err != nil {
		return fmt.Errorf("unable to convert _LIBCONTAINER_INITPIPE=%s to int: %s",
			envInitPipe, err)
	}

	var pipe = os.NewFile(uintptr(pipefd), "pipe")
	defer pipe.Close()

	// Clear the current process's environment to clean any libcontainer
	// specific env vars.
	os.Clearenv()

	event := NSenterEvent{
		ios: sysio.NewIOService(domain.IOOsFileService),
	}
	err = event.processRequest(pipe)
	if err != nil {
		return err
	}

	_ = utils.WriteJSON(pipe, event.ResMsg)

	return nil
}
