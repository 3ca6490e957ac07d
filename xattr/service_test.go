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
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attrvisor/attrvisor/domain"
)

const opaque = "trusted.overlay.opaque"

func TestProcessEventPassThrough(t *testing.T) {

	f := newPipelineFixture()

	resp, err := f.svc.ProcessEvent(context.Background(),
		setEvent("setxattr", "/data/file", "user.foo", []byte("bar")))

	require.NoError(t, err)
	assert.True(t, resp.PassThrough)
}

func TestProcessEventUnknownContainer(t *testing.T) {

	f := newPipelineFixture()

	ev := setEvent("setxattr", "/data/file", opaque, []byte("y"))
	ev.ContainerId = "deadbeef"

	resp, err := f.svc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, syscall.EPERM, resp.Errno)
}

func TestProcessEventContainerIdPrefix(t *testing.T) {

	f := newPipelineFixture()

	ev := setEvent("setxattr", "/data/file", opaque, []byte("y"))
	ev.ContainerId = "c12345"

	resp, err := f.svc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, syscall.Errno(0), resp.Errno)
}

func TestProcessEventSetGetRoundTrip(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	resp, err := f.svc.ProcessEvent(ctx,
		setEvent("setxattr", "/data/dir", opaque, []byte("y")))
	require.NoError(t, err)
	require.Equal(t, syscall.Errno(0), resp.Errno)
	assert.Equal(t, uint64(0), resp.Val)

	// Size query first, then a buffer large enough.
	resp, err = f.svc.ProcessEvent(ctx, getEvent("/data/dir", opaque, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Val)
	assert.Nil(t, resp.Data)

	resp, err = f.svc.ProcessEvent(ctx, getEvent("/data/dir", opaque, 64))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), resp.Data)
}

func TestProcessEventGetShortBuffer(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	f.nss.seed("/data/dir", opaque, []byte("long-value"))

	resp, err := f.svc.ProcessEvent(ctx, getEvent("/data/dir", opaque, 2))
	require.NoError(t, err)
	assert.Equal(t, syscall.ERANGE, resp.Errno)
}

func TestProcessEventGetAbsent(t *testing.T) {

	f := newPipelineFixture()

	resp, err := f.svc.ProcessEvent(context.Background(),
		getEvent("/data/dir", opaque, 64))
	require.NoError(t, err)
	assert.Equal(t, syscall.ENODATA, resp.Errno)
}

func TestProcessEventRemove(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	f.nss.seed("/data/dir", opaque, []byte("y"))

	ev := setEvent("removexattr", "/data/dir", opaque, nil)
	resp, err := f.svc.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, syscall.Errno(0), resp.Errno)

	// Second removal observes the attribute gone.
	resp, err = f.svc.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, syscall.ENODATA, resp.Errno)
}

func TestProcessEventListFiltering(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	f.nss.seed("/data/dir", opaque, []byte("y"))
	f.nss.seed("/data/dir", "user.checksum", []byte("abc"))

	// Privileged caller sees everything.
	resp, err := f.svc.ProcessEvent(ctx, listEvent("/data/dir", 256))
	require.NoError(t, err)
	assert.Equal(t, []byte(opaque+"\x00user.checksum\x00"), resp.Data)

	// Unprivileged caller never observes trusted.* names, and the reported
	// size accounts for the filtered list only.
	f.proc.privileged = false

	resp, err = f.svc.ProcessEvent(ctx, listEvent("/data/dir", 256))
	require.NoError(t, err)
	assert.Equal(t, []byte("user.checksum\x00"), resp.Data)

	resp, err = f.svc.ProcessEvent(ctx, listEvent("/data/dir", 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(len("user.checksum")+1), resp.Val)
}

func TestProcessEventUnprivilegedTrusted(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	f.nss.seed("/data/dir", opaque, []byte("y"))
	f.proc.privileged = false

	// Reads behave as if the attribute were absent.
	resp, err := f.svc.ProcessEvent(ctx, getEvent("/data/dir", opaque, 64))
	require.NoError(t, err)
	assert.Equal(t, syscall.ENODATA, resp.Errno)

	// Mutations are refused.
	resp, err = f.svc.ProcessEvent(ctx,
		setEvent("setxattr", "/data/dir", opaque, []byte("y")))
	require.NoError(t, err)
	assert.Equal(t, syscall.EPERM, resp.Errno)

	resp, err = f.svc.ProcessEvent(ctx,
		setEvent("removexattr", "/data/dir", opaque, nil))
	require.NoError(t, err)
	assert.Equal(t, syscall.EPERM, resp.Errno)
}

func TestProcessEventTrustedToggleOff(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	f.nss.seed("/data/dir", opaque, []byte("y"))
	f.pol.AllowTrustedXattr = false

	// Mutations are blocked but reads of already-persisted data still work.
	resp, err := f.svc.ProcessEvent(ctx,
		setEvent("setxattr", "/data/dir", opaque, []byte("z")))
	require.NoError(t, err)
	assert.Equal(t, syscall.EPERM, resp.Errno)

	resp, err = f.svc.ProcessEvent(ctx, getEvent("/data/dir", opaque, 64))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), resp.Data)
}

func TestProcessEventNonHonoredTrusted(t *testing.T) {

	f := newPipelineFixture()

	resp, err := f.svc.ProcessEvent(context.Background(),
		setEvent("setxattr", "/data/dir", "trusted.foo", []byte("y")))
	require.NoError(t, err)
	assert.Equal(t, syscall.ENOTSUP, resp.Errno)
}

func TestProcessEventFdAddressing(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	ev := setEvent("fsetxattr", "", opaque, []byte("y"))
	ev.PathFd = 7

	resp, err := f.svc.ProcessEvent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, syscall.Errno(0), resp.Errno)

	// The fd-addressed write must land on the same target a path-addressed
	// read finds.
	resp, err = f.svc.ProcessEvent(ctx, getEvent("/data/dir", opaque, 64))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), resp.Data)
}

func TestProcessEventBadFd(t *testing.T) {

	f := newPipelineFixture()

	ev := setEvent("fsetxattr", "", opaque, []byte("y"))
	ev.PathFd = 42

	resp, err := f.svc.ProcessEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, syscall.EBADF, resp.Errno)
}

func TestProcessEventMissingTarget(t *testing.T) {

	f := newPipelineFixture()

	resp, err := f.svc.ProcessEvent(context.Background(),
		setEvent("setxattr", "/data/nope", opaque, []byte("y")))
	require.NoError(t, err)
	assert.Equal(t, syscall.ENOENT, resp.Errno)
}

func TestProcessEventRelativePath(t *testing.T) {

	f := newPipelineFixture()
	ctx := context.Background()

	// Relative paths resolve against the tracee's cwd ("/data").
	resp, err := f.svc.ProcessEvent(ctx,
		setEvent("setxattr", "dir", opaque, []byte("y")))
	require.NoError(t, err)
	require.Equal(t, syscall.Errno(0), resp.Errno)

	resp, err = f.svc.ProcessEvent(ctx, getEvent("/data/dir", opaque, 64))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), resp.Data)
}

func TestProcessEventCancellation(t *testing.T) {

	f := newPipelineFixture()
	f.nss.block = true

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	resp, err := f.svc.ProcessEvent(ctx,
		setEvent("setxattr", "/data/dir", opaque, []byte("y")))
	require.NoError(t, err)
	assert.Equal(t, syscall.EINTR, resp.Errno)
}

func TestProcessEventUnknownSyscall(t *testing.T) {

	f := newPipelineFixture()

	_, err := f.svc.ProcessEvent(context.Background(),
		&domain.SyscallEvent{Syscall: "mount", ContainerId: "c1234567890"})
	assert.Error(t, err)
}

func TestProcessEventUnknownNamespace(t *testing.T) {

	f := newPipelineFixture()

	resp, err := f.svc.ProcessEvent(context.Background(),
		setEvent("setxattr", "/data/file", "noprefix", []byte("y")))
	require.NoError(t, err)
	assert.Equal(t, syscall.ENOTSUP, resp.Errno)
}
