// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"errors"
	"io"

	"github.com/ordeal-io/ordeal/lib/remote/remotetest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ContextSuite{})

type ContextSuite struct{}

// recorderTransport captures the exact command lines handed to the
// transport, without interpreting them.
type recorderTransport struct {
	cmds []string
}

func (rt *recorderTransport) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	rt.cmds = append(rt.cmds, cmd)
	return nil, nil, nil
}

// exitTransport fails every command with a fixed exit status.
type exitTransport struct {
	status int
}

func (et exitTransport) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	return nil, []byte("sh: command failed\n"), &remotetest.ExitError{Status: et.status}
}

func (s *ContextSuite) TestSudoPrefix(c *check.C) {
	host := remotetest.NewFakeHost()
	cx := NewContext("n1", "admin", host)
	c.Check(cx.Run("true"), check.IsNil)
	err := cx.AsRoot(func(cx *Context) error {
		return cx.Run("true")
	})
	c.Check(err, check.IsNil)
	c.Check(host.CommandLines(), check.DeepEquals, []string{"'true'", "sudo 'true'"})
}

func (s *ContextSuite) TestElevationWireFormat(c *check.C) {
	rt := &recorderTransport{}
	cx := NewContext("n1", "admin", rt)
	err := cx.AsRoot(func(cx *Context) error {
		return cx.Run("mkdir", "-p", "/opt/svc", Literal("&&"), "touch", "/opt/svc/flag")
	})
	c.Assert(err, check.IsNil)
	c.Assert(rt.cmds, check.HasLen, 1)
	// the whole compound line is one quoted argument to a root
	// shell; a bare "sudo mkdir ..." would drop privileges at the
	// "&&"
	c.Check(rt.cmds[0], check.Equals, `sudo sh -c ''\''mkdir'\'' '\''-p'\'' '\''/opt/svc'\'' && '\''touch'\'' '\''/opt/svc/flag'\'''`)
}

func (s *ContextSuite) TestElevationCoversCompoundCommand(c *check.C) {
	host := remotetest.NewFakeHost()
	host.RootOwned = []string{"/opt"}
	cx := NewContext("n1", "admin", host)

	// without elevation, the write is refused
	err := cx.Run("mkdir", "-p", "/opt/svc", Literal("&&"), "touch", "/opt/svc/flag")
	var cmderr *CommandError
	c.Assert(errors.As(err, &cmderr), check.Equals, true)
	c.Check(string(cmderr.Stderr), check.Matches, `sh: /opt/svc: Permission denied\n`)

	// under AsRoot every segment of the line runs elevated,
	// including the one after the "&&"
	err = cx.AsRoot(func(cx *Context) error {
		return cx.Run("mkdir", "-p", "/opt/svc", Literal("&&"), "touch", "/opt/svc/flag")
	})
	c.Assert(err, check.IsNil)
	c.Check(host.Dirs["/opt/svc"], check.Equals, true)
	_, ok := host.Files["/opt/svc/flag"]
	c.Check(ok, check.Equals, true)

	// a bare "sudo" prefix, by contrast, elevates only the first
	// segment, which is exactly why the context never emits one for
	// compound lines
	_, stderr, execErr := host.Execute(nil, "sudo 'mkdir' '-p' '/opt/x' && 'touch' '/opt/x/flag'", nil)
	c.Check(execErr, check.NotNil)
	c.Check(string(stderr), check.Matches, `sh: /opt/x/flag: Permission denied\n`)
	_, ok = host.Files["/opt/x/flag"]
	c.Check(ok, check.Equals, false)
}

func (s *ContextSuite) TestNoSudoForRootLogin(c *check.C) {
	host := remotetest.NewFakeHost()
	cx := NewContext("n1", "root", host)
	err := cx.AsRoot(func(cx *Context) error {
		return cx.Run("true")
	})
	c.Check(err, check.IsNil)
	c.Check(host.CommandLines(), check.DeepEquals, []string{"'true'"})
}

func (s *ContextSuite) TestPrincipalRestoredAfterError(c *check.C) {
	host := remotetest.NewFakeHost()
	cx := NewContext("n1", "admin", host)
	boom := errors.New("boom")
	err := cx.AsRoot(func(inner *Context) error {
		c.Check(inner.Principal(), check.Equals, Root)
		return boom
	})
	c.Check(err, check.Equals, boom)
	// the original context is untouched: subsequent commands run
	// under the pre-elevation principal
	c.Check(cx.Principal(), check.Equals, Normal)
	c.Check(cx.Run("true"), check.IsNil)
	c.Check(host.CommandLines(), check.DeepEquals, []string{"'true'"})
}

func (s *ContextSuite) TestCommandError(c *check.C) {
	host := remotetest.NewFakeHost()
	cx := NewContext("n1", "admin", host)
	err := cx.Run("cat", "/no/such/file")
	c.Assert(err, check.NotNil)
	var cmderr *CommandError
	c.Assert(errors.As(err, &cmderr), check.Equals, true)
	c.Check(cmderr.Host, check.Equals, "n1")
	c.Check(cmderr.Command, check.Equals, `'cat' '/no/such/file'`)
	c.Check(cmderr.ExitStatus, check.Equals, 1)
	c.Check(string(cmderr.Stderr), check.Matches, `cat: .*No such file.*\n`)
	c.Check(cmderr.Error(), check.Matches, `n1: command .* exited 1: cat: .*`)
}

func (s *ContextSuite) TestExists(c *check.C) {
	host := remotetest.NewFakeHost()
	host.Files["/opt/etcd/etcd.log"] = []byte("hi\n")
	cx := NewContext("n1", "admin", host)

	ok, err := cx.Exists("/opt/etcd/etcd.log")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	// parent dir exists implicitly
	ok, err = cx.Exists("/opt/etcd")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	ok, err = cx.Exists("/opt/other")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *ContextSuite) TestExistsCommandFailure(c *check.C) {
	// exit 1 is test(1) answering "no"; any other status means the
	// probe itself failed and must not be mistaken for absence
	for _, status := range []int{126, 127} {
		cx := NewContext("n1", "admin", exitTransport{status: status})
		ok, err := cx.Exists("/opt/etcd")
		c.Check(ok, check.Equals, false)
		var cmderr *CommandError
		c.Assert(errors.As(err, &cmderr), check.Equals, true, check.Commentf("status %d", status))
		c.Check(cmderr.ExitStatus, check.Equals, status)
	}

	cx := NewContext("n1", "admin", exitTransport{status: 1})
	ok, err := cx.Exists("/opt/etcd")
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *ContextSuite) TestReadFile(c *check.C) {
	host := remotetest.NewFakeHost()
	host.Files["/opt/etcd/etcd.pid"] = []byte("4321\n")
	cx := NewContext("n1", "admin", host)
	buf, err := cx.ReadFile("/opt/etcd/etcd.pid")
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "4321\n")
}
