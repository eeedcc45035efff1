// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import "fmt"

// A CommandError reports a remote command that ran and exited
// nonzero. Transport failures (dial, auth) are not CommandErrors;
// they are returned wrapped with the host identity instead.
type CommandError struct {
	Host       string
	Command    string
	Stdout     []byte
	Stderr     []byte
	ExitStatus int // -1 if the exit status could not be determined
	Err        error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: command %q exited %d: %s", e.Host, e.Command, e.ExitStatus, firstLine(e.Stderr))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func firstLine(buf []byte) string {
	for i, c := range buf {
		if c == '\n' {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// exitStatuser is implemented by ssh.ExitError (and by test stubs)
// to expose the remote process's exit status.
type exitStatuser interface {
	ExitStatus() int
}
