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
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// zombieReaper collects nsenter agents that were killed before the regular
// wait sequence could reap them (e.g. on context cancellation). The daemon
// runs as a child subreaper, so such orphans re-parent to it.
//
// Reaping must not race with the wait sequence of in-flight agents; the
// rwlock below keeps the reaper out while any agent launch is in progress.
type zombieReaper struct {
	mu     sync.RWMutex
	signal chan bool
}

func newZombieReaper() *zombieReaper {

	zr := &zombieReaper{
		signal: make(chan bool),
	}

	go reaper(zr.signal, &zr.mu)
	return zr
}

func (zr *zombieReaper) nsenterStarted() {
	zr.mu.RLock()
}

func (zr *zombieReaper) nsenterEnded() {
	zr.mu.RUnlock()
}

func (zr *zombieReaper) nsenterReapReq() {
	select {
	case zr.signal <- true:
		logrus.Debugf("nsenter child reaping requested")
	default:
		// no action required (someone else has signaled already)
	}
}

// Reap requests arrive right after the cancellation path kills an agent, so
// the agent's exit may still be in flight; poll briefly with WNOHANG rather
// than waiting a fixed interval.
const (
	reapPollInterval = 10 * time.Millisecond
	reapPollBudget   = time.Second
)

// Go-routine that performs reaping
func reaper(signal chan bool, mu *sync.RWMutex) {
	var wstatus syscall.WaitStatus

	for {
		<-signal

		deadline := time.Now().Add(reapPollBudget)
		reaped := false

		for {
			mu.Lock()

			// WNOHANG: if there is no child to reap, don't block
			wpid, err := syscall.Wait4(-1, &wstatus, syscall.WNOHANG, nil)
			mu.Unlock()

			if wpid > 0 {
				logrus.Infof("reaper: reaped pid %d", wpid)
				reaped = true
				continue
			}

			// Each request corresponds to a killed agent; once its batch is
			// drained there is nothing further to wait for.
			if reaped || err != nil || time.Now().After(deadline) {
				logrus.Debugf("reaper: nothing left to reap")
				break
			}

			time.Sleep(reapPollInterval)
		}
	}
}
