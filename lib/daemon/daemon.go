// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package daemon starts and stops long-running remote processes
// without a service manager, using a pidfile as the durable record of
// "is it running" and a logfile for the process's output.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/ordeal-io/ordeal/lib/ctxlog"
	"github.com/ordeal-io/ordeal/lib/remote"
)

// How long Stop waits for a TERMed process to exit before escalating
// to KILL. Shortened in tests.
var (
	termGrace = 10 * time.Second
	termPoll  = 100 * time.Millisecond
)

// Config describes where one daemon instance keeps its state on its
// host.
type Config struct {
	Logfile string // stdout/stderr are appended here
	Pidfile string // pid of the detached process
	Dir     string // working directory
}

// A SupervisionError means the service itself is not runnable on a
// host: the launch command succeeded as a shell step, but the daemon
// did not come up (or left no usable pid behind). It is distinct from
// a CommandError because it points at the binary, not at a failed
// shell step.
type SupervisionError struct {
	Host    string
	Binary  string
	Logfile string
	Err     error
}

func (e *SupervisionError) Error() string {
	return fmt.Sprintf("%s: daemon %s is not running after launch (check %s): %v", e.Host, e.Binary, e.Logfile, e.Err)
}

func (e *SupervisionError) Unwrap() error {
	return e.Err
}

// Start launches binary with args on cx's host, detached from the
// calling session: output appended to cfg.Logfile, pid recorded in
// cfg.Pidfile, working directory cfg.Dir. Start returns once the
// launch has completed and the recorded pid has been confirmed alive;
// the daemon itself keeps running in the background.
func Start(ctx context.Context, cx *remote.Context, cfg Config, binary string, args ...interface{}) error {
	logger := ctxlog.FromContext(ctx).WithField("node", cx.Host()).WithField("binary", binary)
	logger.Info("starting daemon")

	cmdline := []interface{}{
		"mkdir", "-p", cfg.Dir, remote.Literal("&&"),
		"cd", cfg.Dir, remote.Literal("&&"),
		"nohup", "setsid", binary,
	}
	cmdline = append(cmdline, args...)
	cmdline = append(cmdline,
		remote.Literal(">>"), cfg.Logfile,
		remote.Literal("2>&1"),
		remote.Literal("&"),
		"echo", remote.Literal("$!"), remote.Literal(">"), cfg.Pidfile,
	)
	err := cx.Run(cmdline...)
	if err != nil {
		return err
	}

	pid, err := readPid(cx, cfg.Pidfile)
	if err != nil {
		return err
	}
	if pid == 0 {
		return &SupervisionError{Host: cx.Host(), Binary: binary, Logfile: cfg.Logfile, Err: errors.New("no usable pidfile after launch")}
	}
	err = cx.Run("kill", "-0", pid)
	if err != nil {
		return &SupervisionError{Host: cx.Host(), Binary: binary, Logfile: cfg.Logfile, Err: err}
	}
	logger.WithField("pid", pid).Info("daemon running")
	return nil
}

// Stop terminates the daemon recorded in pidfile, if it is still the
// process it was when started (command name matches binary), and does
// not return until the process is confirmed gone: TERM first, then
// KILL if the process is still alive after a grace period. Absence
// at any step -- no pidfile, unparseable pidfile, pid not running,
// pid reused by some other program -- counts as already stopped, so
// Stop is safe against hosts in unknown prior states.
func Stop(ctx context.Context, cx *remote.Context, binary, pidfile string) error {
	logger := ctxlog.FromContext(ctx).WithField("node", cx.Host()).WithField("binary", binary)

	ok, err := cx.Exists(pidfile)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("no pidfile, daemon already stopped")
		return nil
	}
	pid, err := readPid(cx, pidfile)
	if err != nil {
		return err
	}
	if pid == 0 {
		logger.Info("pidfile is unreadable, treating daemon as stopped")
		return nil
	}
	comm, err := cx.Output("ps", remote.Flag("-p"), pid, remote.Flag("-o"), remote.Flag("comm="))
	var cmderr *remote.CommandError
	if errors.As(err, &cmderr) {
		logger.WithField("pid", pid).Debug("process already gone")
		return nil
	} else if err != nil {
		return err
	}
	if string(bytes.TrimSpace(comm)) != path.Base(binary) {
		logger.WithField("pid", pid).WithField("comm", string(bytes.TrimSpace(comm))).Info("pid belongs to a different program, leaving it alone")
		return nil
	}
	err = cx.Run("kill", remote.Flag("-TERM"), pid)
	if errors.As(err, &cmderr) {
		// lost the race with the process's own exit
		return nil
	} else if err != nil {
		return err
	}
	gone, err := awaitExit(cx, pid, termGrace)
	if err != nil {
		return err
	}
	if !gone {
		logger.WithField("pid", pid).Warn("daemon did not exit on TERM, sending KILL")
		err = cx.Run("kill", remote.Flag("-KILL"), pid)
		if err != nil && !errors.As(err, &cmderr) {
			return err
		}
		gone, err = awaitExit(cx, pid, termGrace)
		if err != nil {
			return err
		}
		if !gone {
			return fmt.Errorf("%s: pid %d still running after KILL", cx.Host(), pid)
		}
	}
	logger.WithField("pid", pid).Info("daemon stopped")
	return nil
}

// awaitExit polls until the process is gone or the grace period runs
// out.
func awaitExit(cx *remote.Context, pid int, grace time.Duration) (bool, error) {
	deadline := time.Now().Add(grace)
	for {
		err := cx.Run("kill", "-0", pid)
		var cmderr *remote.CommandError
		if errors.As(err, &cmderr) {
			return true, nil
		} else if err != nil {
			return false, err
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(termPoll)
	}
}

// readPid returns the pid recorded in pidfile, or 0 if the file is
// empty or malformed. A transport/command failure reading an existing
// file is returned as an error.
func readPid(cx *remote.Context, pidfile string) (int, error) {
	buf, err := cx.ReadFile(pidfile)
	if err != nil {
		var cmderr *remote.CommandError
		if errors.As(err, &cmderr) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(buf)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}
