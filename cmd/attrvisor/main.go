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

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sys/unix"

	"github.com/attrvisor/attrvisor/domain"
	"github.com/attrvisor/attrvisor/ipc"
	"github.com/attrvisor/attrvisor/nsenter"
	"github.com/attrvisor/attrvisor/process"
	"github.com/attrvisor/attrvisor/state"
	"github.com/attrvisor/attrvisor/sysio"
	"github.com/attrvisor/attrvisor/transport"
	"github.com/attrvisor/attrvisor/xattr"
)

const (
	usage = `extended-attribute virtualization daemon

attrvisor virtualizes the trusted.* extended-attribute namespace for
unprivileged system containers: honored attributes are emulated with the
daemon's privileges on behalf of in-container processes holding CAP_SYS_ADMIN
in their user-namespace, while everything else is passed through or refused
per kernel conventions.
`
)

// Globals to be populated at build time during Makefile processing.
var (
	version  string // extracted from VERSION file
	commitId string // latest git commit-id
	builtAt  string // build time
	builtBy  string // build owner
)

//
// attrvisor exit handler goroutine.
//
func exitHandler(
	signalChan chan os.Signal,
	evs *transport.Server,
	ipcs *ipc.IpcService) {

	s := <-signalChan
	logrus.Warnf("Caught OS signal: %s", s)

	ipcs.Stop()
	evs.Stop()

	// Give in-flight handlers a moment to observe their canceled contexts
	// and answer EINTR before the process goes away.
	time.Sleep(time.Second)

	logrus.Info("Exiting.")
	os.Exit(0)
}

//
// attrvisor child reaper: reaps zombie child processes that sometimes occur
// when attrvisor dispatches nsenter processes to act within a container's
// namespaces.
//
// This is really a "backup" reaper: the function dispatching the nsenter
// process normally performs the reaping, but that may not happen when the
// nsenter races with a container being destroyed. For those cases, this
// reaper cleans left-over zombies.
//
// Note: a user can also request attrvisor to execute this reaper via:
//
// $ sudo kill -s SIGCHLD $(pidof attrvisor)
//
func childReaper(signalChan chan os.Signal) {
	var wstatus syscall.WaitStatus

	for {
		<-signalChan

		// We are a backup reaper, so we wait after receiving SIGCHLD for any
		// left-over zombies.
		time.Sleep(5 * time.Second)

		wpid, err := syscall.Wait4(-1, &wstatus, 0, nil)
		if err != nil {
			continue
		}

		logrus.Debugf("Reaped left-over child pid %d", wpid)
	}
}

//
// attrvisor main function
//
func main() {

	app := cli.NewApp()
	app.Name = "attrvisor"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "event-sock",
			Value: "/run/attrvisor/events.sock",
			Usage: "unix socket receiving trapped syscall events",
		},
		cli.StringFlag{
			Name:  "admin-sock",
			Value: "/run/attrvisor/admin.sock",
			Usage: "unix socket serving the container admin API",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "/dev/stdout",
			Usage: "log file path",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.BoolTFlag{
			Name:  "allow-trusted-xattr",
			Usage: "allow set/remove of honored trusted.* attributes (default: true)",
		},
		cli.StringSliceFlag{
			Name:  "honored-xattr",
			Usage: "additional trusted.* attribute name to virtualize (repeatable)",
		},
		cli.StringFlag{
			Name:  "profile",
			Usage: "enable profiling mode (cpu or mem)",
		},
	}

	// show-version specialization.
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("attrvisor\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	// Nsenter command to allow 'rexec' functionality.
	app.Commands = []cli.Command{
		{
			Name:  "nsenter",
			Usage: "Execute action within container namespaces",
			Action: func(c *cli.Context) error {
				return nsenter.Init()
			},
		},
	}

	// Define 'debug' and 'log' settings.
	app.Before = func(ctx *cli.Context) error {

		// Create/set the log-file destination.
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(
				path,
				os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC,
				0666,
			)
			if err != nil {
				logrus.Fatalf(
					"Error opening log file %v: %v. Exiting ...",
					path, err,
				)
				return err
			}

			// Set a proper logging formatter.
			logrus.SetFormatter(&logrus.TextFormatter{
				ForceColors:     true,
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
			logrus.SetOutput(f)
			log.SetOutput(f)
		}

		// Set desired log-level.
		if logLevel := ctx.GlobalString("log-level"); logLevel != "" {
			switch logLevel {
			case "debug":
				logrus.SetLevel(logrus.DebugLevel)
			case "info":
				logrus.SetLevel(logrus.InfoLevel)
			case "warning":
				logrus.SetLevel(logrus.WarnLevel)
			case "error":
				logrus.SetLevel(logrus.ErrorLevel)
			case "fatal":
				logrus.SetLevel(logrus.FatalLevel)
			default:
				logrus.Fatalf(
					"log-level option '%v' not recognized. Exiting ...",
					logLevel,
				)
			}
		} else {
			// Set 'info' as our default log-level.
			logrus.SetLevel(logrus.InfoLevel)
		}

		return nil
	}

	// attrvisor main-loop execution.
	app.Action = func(ctx *cli.Context) error {

		switch ctx.GlobalString("profile") {
		case "cpu":
			defer profile.Start(profile.CPUProfile).Stop()
		case "mem":
			defer profile.Start(profile.MemProfile).Stop()
		}

		// Initialize attrvisor's services.

		var processService = process.NewProcessService()

		var nsenterService = nsenter.NewNSenterService()

		var ioService = sysio.NewIOService(domain.IOOsFileService)

		var containerStateService = state.NewContainerStateService()

		var xattrService = xattr.NewXattrService()

		processService.Setup(ioService)
		nsenterService.Setup(processService)
		containerStateService.Setup(processService, ioService)
		xattrService.Setup(
			containerStateService,
			processService,
			nsenterService,
		)

		var ipcService = ipc.NewIpcService(
			ctx.GlobalString("admin-sock"),
			containerStateService,
			ipc.PolicyDefaults{
				AllowTrustedXattr: ctx.GlobalBoolT("allow-trusted-xattr"),
				HonoredXattrs: append(
					[]string{"trusted.overlay.opaque"},
					ctx.GlobalStringSlice("honored-xattr")...,
				),
			},
		)
		if err := ipcService.Init(); err != nil {
			logrus.Fatalf("IpcService initialization error: %v. Exiting ...", err)
		}

		var eventServer = transport.NewServer(
			ctx.GlobalString("event-sock"),
			xattrService,
		)

		// Launch exit handler (performs proper cleanup of attrvisor upon
		// receiving termination signals).
		var exitChan = make(chan os.Signal, 1)
		signal.Notify(
			exitChan,
			syscall.SIGHUP,
			syscall.SIGINT,
			syscall.SIGTERM,
			syscall.SIGQUIT)
		go exitHandler(exitChan, eventServer, ipcService)

		// Launch the attrvisor child reaper (cleans up zombie childs).
		err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
		if err != nil {
			logrus.Fatalf("Failed to set attrvisor as child subreaper: %s", err)
		}

		var childReaperChan = make(chan os.Signal, 1)
		signal.Notify(
			childReaperChan,
			syscall.SIGCHLD)
		go childReaper(childReaperChan)

		// Let systemd know we are good to go.
		if sent, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
			logrus.Warnf("Failed to send systemd readiness notification: %v", err)
		} else if sent {
			logrus.Debugf("Systemd readiness notification sent")
		}

		// Initiate attrvisor's syscall-event service.
		if err := eventServer.Init(); err != nil {
			logrus.Panic(err)
		}

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Panic(err)
	}
}
