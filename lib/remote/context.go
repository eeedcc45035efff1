// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"errors"
	"fmt"
	"io"
)

// A Transport executes one shell command on a remote host. The
// production implementation is *Executor; tests substitute stubs.
type Transport interface {
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// Principal is the identity remote commands execute as.
type Principal string

const (
	// Normal runs commands as the configured login user.
	Normal Principal = ""
	// Root runs commands under sudo.
	Root Principal = "root"
)

// A Context binds a host, a transport, and an execution principal.
// Context values are immutable: AsRoot hands the body an elevated
// copy, so the caller's principal is restored on every exit path by
// construction, including error returns from the body.
type Context struct {
	host      string
	user      string // remote login user; "root" needs no sudo
	transport Transport
	principal Principal
}

// NewContext returns a Context for host, executing via transport as
// the given login user, with the Normal principal.
func NewContext(host, user string, transport Transport) *Context {
	return &Context{host: host, user: user, transport: transport}
}

// Host returns the host this context targets.
func (cx *Context) Host() string { return cx.host }

// Principal returns the principal commands currently execute as.
func (cx *Context) Principal() Principal { return cx.principal }

// AsRoot invokes body with a copy of cx whose principal is Root.
func (cx *Context) AsRoot(body func(*Context) error) error {
	elevated := *cx
	elevated.principal = Root
	return body(&elevated)
}

// Run builds one command line from args (see Command) and executes it
// on the context's host under its principal. A nonzero exit status is
// returned as a *CommandError carrying the captured output.
func (cx *Context) Run(args ...interface{}) error {
	_, _, err := cx.RunStdin(nil, args...)
	return err
}

// Output is Run, but returns the command's stdout.
func (cx *Context) Output(args ...interface{}) ([]byte, error) {
	stdout, _, err := cx.RunStdin(nil, args...)
	return stdout, err
}

// RunStdin is Run with the remote process's stdin attached to the
// given reader.
func (cx *Context) RunStdin(stdin io.Reader, args ...interface{}) (stdout, stderr []byte, err error) {
	cmd := Command(args...)
	if cx.principal == Root && cx.user != "root" {
		// The whole line runs in a root shell. A bare "sudo cmd"
		// prefix would elevate only the text up to the first shell
		// operator, leaving any "&&" continuation or redirection to
		// run as the login user.
		cmd = "sudo sh -c " + quote(cmd)
	}
	stdout, stderr, err = cx.transport.Execute(nil, cmd, stdin)
	if err == nil {
		return stdout, stderr, nil
	}
	var exiterr exitStatuser
	if errors.As(err, &exiterr) {
		return stdout, stderr, &CommandError{
			Host:       cx.host,
			Command:    cmd,
			Stdout:     stdout,
			Stderr:     stderr,
			ExitStatus: exiterr.ExitStatus(),
			Err:        err,
		}
	}
	return stdout, stderr, fmt.Errorf("%s: %w", cx.host, err)
}

// Exists reports whether path exists on the context's host. Exit
// status 1 is test(1)'s "does not exist" answer, not an error; any
// other nonzero status (126, 127, a sudo failure) means the question
// was never answered and is returned as an error.
func (cx *Context) Exists(path string) (bool, error) {
	err := cx.Run("test", "-e", path)
	if err == nil {
		return true, nil
	}
	var cmderr *CommandError
	if errors.As(err, &cmderr) && cmderr.ExitStatus == 1 {
		return false, nil
	}
	return false, err
}

// ReadFile returns the contents of path on the context's host.
func (cx *Context) ReadFile(path string) ([]byte, error) {
	return cx.Output("cat", path)
}
