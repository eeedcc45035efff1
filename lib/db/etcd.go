// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package db

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/ordeal-io/ordeal/lib/artifact"
	"github.com/ordeal-io/ordeal/lib/config"
	"github.com/ordeal-io/ordeal/lib/ctxlog"
	"github.com/ordeal-io/ordeal/lib/daemon"
	"github.com/ordeal-io/ordeal/lib/remote"
	"github.com/ordeal-io/ordeal/lib/topology"
)

// Etcd runs one etcd cluster member per node. The zero value is not
// usable; construct with NewEtcd.
type Etcd struct {
	// Version like "v3.5.15". Every node runs this version.
	Version string

	// InstallDir is the install directory on every node
	// ("/opt/etcd" unless overridden). The binary, logfile, and
	// pidfile all live inside it, so removing it removes every
	// trace of the instance.
	InstallDir string

	// DownloadURLBase is the release mirror prefix. Overridden in
	// tests to point at a local server.
	DownloadURLBase string

	cache   *artifact.Cache
	topo    topology.Builder
	sleepFn func(time.Duration) // replaced in tests
}

// NewEtcd returns an Etcd lifecycle for the version selected in test,
// installing artifacts through cache.
func NewEtcd(test *config.Test, cache *artifact.Cache) *Etcd {
	return &Etcd{
		Version:         test.DBVersion,
		InstallDir:      "/opt/etcd",
		DownloadURLBase: "https://storage.googleapis.com/etcd",
		cache:           cache,
		topo:            topology.NewBuilder(test),
		sleepFn:         time.Sleep,
	}
}

// DownloadURL returns the release tarball URL for the configured
// version.
func (e *Etcd) DownloadURL() string {
	return fmt.Sprintf("%s/%s/etcd-%s-linux-amd64.tar.gz", e.DownloadURLBase, e.Version, e.Version)
}

func (e *Etcd) binary() string {
	return path.Join(e.InstallDir, "etcd")
}

func (e *Etcd) logfile() string {
	return path.Join(e.InstallDir, "etcd.log")
}

func (e *Etcd) pidfile() string {
	return path.Join(e.InstallDir, "etcd.pid")
}

// Setup implements DB.
func (e *Etcd) Setup(ctx context.Context, test *config.Test, node config.Node, cx *remote.Context) error {
	logger := ctxlog.FromContext(ctx).WithField("node", node)
	logger.WithField("version", e.Version).Info("setting up etcd")
	err := cx.AsRoot(func(cx *remote.Context) error {
		err := e.cache.Install(ctx, cx, e.DownloadURL(), e.InstallDir)
		if err != nil {
			return fmt.Errorf("install etcd: %w", err)
		}
		return daemon.Start(ctx, cx, daemon.Config{
			Logfile: e.logfile(),
			Pidfile: e.pidfile(),
			Dir:     e.InstallDir,
		}, e.binary(),
			remote.Flag("--name"), string(node),
			remote.Flag("--listen-peer-urls"), e.topo.PeerURL(node),
			remote.Flag("--initial-advertise-peer-urls"), e.topo.PeerURL(node),
			remote.Flag("--listen-client-urls"), e.topo.ClientURL(node),
			remote.Flag("--advertise-client-urls"), e.topo.ClientURL(node),
			remote.Flag("--initial-cluster-state"), "new",
			remote.Flag("--initial-cluster"), e.topo.InitialCluster(test.Nodes),
		)
	})
	if err != nil {
		return err
	}
	// Fixed grace period for the cluster bootstrap handshake, as a
	// stand-in for a real readiness check. Callers must treat the
	// service as probably, not certainly, up.
	// TODO: poll the member's health endpoint instead of sleeping.
	e.sleepFn(test.StartupGrace.Duration())
	logger.Info("etcd setup complete")
	return nil
}

// Teardown implements DB. It succeeds on nodes that were never set
// up: a missing daemon or install directory is not an error.
func (e *Etcd) Teardown(ctx context.Context, test *config.Test, node config.Node, cx *remote.Context) error {
	logger := ctxlog.FromContext(ctx).WithField("node", node)
	logger.Info("tearing down etcd")
	err := cx.AsRoot(func(cx *remote.Context) error {
		err := daemon.Stop(ctx, cx, e.binary(), e.pidfile())
		if err != nil {
			return fmt.Errorf("stop etcd: %w", err)
		}
		return cx.Run("rm", "-rf", e.InstallDir)
	})
	if err != nil {
		return err
	}
	logger.Info("etcd teardown complete")
	return nil
}

// LogFiles implements DB.
func (e *Etcd) LogFiles(test *config.Test, node config.Node) []string {
	return []string{e.logfile()}
}
