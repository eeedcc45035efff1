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
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

// HostKeyFunc decides whether to trust a host key presented by host.
// A nil HostKeyFunc accepts any key, which is the normal posture for
// a disposable test fleet.
type HostKeyFunc func(host string, key ssh.PublicKey) error

// An Executor is a Transport using a long-lived multiplexed SSH
// connection to one host. It reconnects automatically after errors.
//
// An Executor must not be copied.
type Executor struct {
	host        string
	port        string
	user        string
	signers     []ssh.Signer
	verifyKey   HostKeyFunc
	dialTimeout time.Duration

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once     // initializes private state
	clientSetup chan bool     // len>0 while client setup is in progress
	hostKey     ssh.PublicKey // most recent key that passed verification, if any
}

// NewExecutor returns an Executor for the given host, connecting on
// port as user and authenticating with signers. No connection is made
// until the first Execute or Ping call.
func NewExecutor(host string, port int, user string, signers ...ssh.Signer) *Executor {
	return &Executor{
		host:        host,
		port:        fmt.Sprintf("%d", port),
		user:        user,
		signers:     signers,
		dialTimeout: time.Minute,
	}
}

// SetHostKeyFunc installs a host key check for subsequent
// connections.
func (exr *Executor) SetHostKeyFunc(fn HostKeyFunc) {
	exr.verifyKey = fn
}

// Host returns the target host.
func (exr *Executor) Host() string { return exr.host }

// User returns the remote login user.
func (exr *Executor) User() string { return exr.user }

// Execute runs cmd on the target host. If an existing connection is
// not usable, it sets up a new one first.
func (exr *Executor) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := exr.newSession()
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	for k, v := range env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, nil, err
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

// Ping waits for the host to accept a connection and run a trivial
// command, retrying with capped exponential backoff until ctx is
// cancelled or the backoff gives up. It exists so a run can wait out
// a freshly provisioned fleet; lifecycle operations themselves are
// never retried.
func (exr *Executor) Ping(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = time.Minute
	return backoff.Retry(func() error {
		_, _, err := exr.Execute(nil, "true", nil)
		return err
	}, backoff.WithContext(policy, ctx))
}

// Close shuts down any active connection.
func (exr *Executor) Close() {
	// Ensure exr is initialized
	exr.sshClient(false)

	exr.clientSetup <- true
	if exr.client != nil {
		defer exr.client.Close()
	}
	exr.client, exr.clientErr = nil, errors.New("closed")
	<-exr.clientSetup
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been set up yet, set up a new SSH client and try again.
func (exr *Executor) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := exr.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and use its result (or the
// last successfully set up client, if it fails).
func (exr *Executor) sshClient(create bool) (*ssh.Client, error) {
	exr.clientOnce.Do(func() {
		exr.clientSetup = make(chan bool, 1)
		exr.clientErr = errors.New("client not yet created")
	})
	defer func() { <-exr.clientSetup }()
	select {
	case exr.clientSetup <- true:
		if create {
			client, err := exr.setupSSHClient()
			if err == nil || exr.client == nil {
				if exr.client != nil {
					// Hang up the previous
					// (non-working) client
					go exr.client.Close()
				}
				exr.client, exr.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case. Wait for
		// it to finish and return whatever it leaves in
		// exr.client.
		exr.clientSetup <- true
	}
	return exr.client, exr.clientErr
}

func (exr *Executor) setupSSHClient() (*ssh.Client, error) {
	if exr.host == "" {
		return nil, errors.New("executor has no target host")
	}
	var receivedKey ssh.PublicKey
	client, err := ssh.Dial("tcp", net.JoinHostPort(exr.host, exr.port), &ssh.ClientConfig{
		User: exr.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(exr.signers...),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return nil
		},
		Timeout: exr.dialTimeout,
	})
	if err != nil {
		return nil, err
	} else if receivedKey == nil {
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}

	if exr.verifyKey != nil && (exr.hostKey == nil || !bytes.Equal(exr.hostKey.Marshal(), receivedKey.Marshal())) {
		err = exr.verifyKey(exr.host, receivedKey)
		if err != nil {
			client.Close()
			return nil, err
		}
	}
	exr.hostKey = receivedKey
	return client, nil
}

// LoadKeyFile reads and parses an unencrypted private key file.
func LoadKeyFile(path string) (ssh.Signer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(buf)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return signer, nil
}
