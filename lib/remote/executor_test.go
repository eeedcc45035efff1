// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ordeal-io/ordeal/lib/remote/remotetest"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExecutorSuite{})

type ExecutorSuite struct{}

func startService(c *check.C, exec remotetest.SSHExecFunc) (*remotetest.SSHService, ssh.Signer, string, int) {
	_, hostpriv, err := remotetest.GenerateSigner()
	c.Assert(err, check.IsNil)
	clientpub, clientpriv, err := remotetest.GenerateSigner()
	c.Assert(err, check.IsNil)
	service := &remotetest.SSHService{
		Exec:           exec,
		HostKey:        hostpriv,
		AuthorizedUser: "username",
		AuthorizedKeys: []ssh.PublicKey{clientpub},
	}
	c.Assert(service.Start(), check.IsNil)
	host, portstr, err := net.SplitHostPort(service.Address())
	c.Assert(err, check.IsNil)
	port, err := strconv.Atoi(portstr)
	c.Assert(err, check.IsNil)
	return service, clientpriv, host, port
}

func (s *ExecutorSuite) TestExecute(c *check.C) {
	command := `foo 'bar' "baz"`
	stdinData := "foobar\nbaz\n"
	for _, exitcode := range []int{0, 1, 2} {
		exitcode := exitcode
		service, clientpriv, host, port := startService(c, func(env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
			c.Check(cmd, check.Equals, command)
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				io.WriteString(stdout, "stdout\n")
				wg.Done()
			}()
			go func() {
				io.WriteString(stderr, "stderr\n")
				wg.Done()
			}()
			buf, err := io.ReadAll(stdin)
			wg.Wait()
			c.Check(err, check.IsNil)
			_, err = stdout.Write(buf)
			c.Check(err, check.IsNil)
			return uint32(exitcode)
		})
		defer service.Close()

		exr := NewExecutor(host, port, "username", clientpriv)
		defer exr.Close()

		done := make(chan bool)
		go func() {
			stdout, stderr, err := exr.Execute(nil, command, bytes.NewBufferString(stdinData))
			if exitcode == 0 {
				c.Check(err, check.IsNil)
			} else {
				c.Check(err, check.NotNil)
				exiterr, ok := err.(*ssh.ExitError)
				c.Assert(ok, check.Equals, true)
				c.Check(exiterr.ExitStatus(), check.Equals, exitcode)
			}
			c.Check(stdout, check.DeepEquals, []byte("stdout\n"+stdinData))
			c.Check(stderr, check.DeepEquals, []byte("stderr\n"))
			close(done)
		}()

		timeout := time.NewTimer(10 * time.Second)
		select {
		case <-done:
		case <-timeout.C:
			c.Fatal("timed out")
		}
	}
}

func (s *ExecutorSuite) TestHostKeyRejected(c *check.C) {
	service, clientpriv, host, port := startService(c, func(env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
		c.Error("exec func called even though host key verification failed")
		return 0
	})
	defer service.Close()

	exr := NewExecutor(host, port, "username", clientpriv)
	defer exr.Close()
	exr.SetHostKeyFunc(func(host string, key ssh.PublicKey) error {
		return fmt.Errorf("host key failed verification: %#v", key)
	})

	_, _, err := exr.Execute(nil, "true", nil)
	c.Check(err, check.ErrorMatches, "host key failed verification: .*")
}

func (s *ExecutorSuite) TestContextOverExecutor(c *check.C) {
	service, clientpriv, host, port := startService(c, func(env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
		fmt.Fprintf(stdout, "ran: %s\n", cmd)
		return 0
	})
	defer service.Close()

	exr := NewExecutor(host, port, "username", clientpriv)
	defer exr.Close()

	cx := NewContext(host, "username", exr)
	var got []byte
	err := cx.AsRoot(func(cx *Context) error {
		var err error
		got, err = cx.Output("id", "-u")
		return err
	})
	c.Check(err, check.IsNil)
	c.Check(string(got), check.Equals, "ran: sudo sh -c ''\\''id'\\'' '\\''-u'\\'''\n")
}

func (s *ExecutorSuite) TestPing(c *check.C) {
	service, clientpriv, host, port := startService(c, func(env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
		return 0
	})
	defer service.Close()

	exr := NewExecutor(host, port, "username", clientpriv)
	defer exr.Close()
	c.Check(exr.Ping(context.Background()), check.IsNil)
}

func (s *ExecutorSuite) TestPingUnreachable(c *check.C) {
	// a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:")
	c.Assert(err, check.IsNil)
	host, portstr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portstr)
	ln.Close()

	_, clientpriv, err := remotetest.GenerateSigner()
	c.Assert(err, check.IsNil)
	exr := NewExecutor(host, port, "username", clientpriv)
	exr.dialTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = exr.Ping(ctx)
	c.Check(err, check.NotNil)
	c.Check(errors.As(err, new(*net.OpError)), check.Equals, true)
}
