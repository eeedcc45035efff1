// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package db defines the lifecycle a database under test exposes to
// the orchestrator, and implements it for etcd. One DB value is
// shared by all nodes in a run; per-node state lives on the nodes
// themselves (install directory, pidfile, logfile).
package db

import (
	"context"

	"github.com/ordeal-io/ordeal/lib/config"
	"github.com/ordeal-io/ordeal/lib/remote"
)

// A DB can install, start, stop, and clean one instance of itself on
// one node. Implementations must make Teardown safe to call on nodes
// in any prior state, including nodes that were never set up.
type DB interface {
	// Setup takes the node from whatever state it is in to
	// "installed and running": install the artifact (cached),
	// start the daemon with this run's cluster membership, and
	// wait out the bootstrap grace period. When Setup returns the
	// service is probably, not certainly, ready.
	Setup(ctx context.Context, test *config.Test, node config.Node, cx *remote.Context) error

	// Teardown stops the daemon (tolerating "already stopped")
	// and removes the install directory (tolerating "already
	// absent"). After Teardown the node holds no trace of the
	// service.
	Teardown(ctx context.Context, test *config.Test, node config.Node, cx *remote.Context) error

	// LogFiles returns the absolute remote paths worth copying to
	// the local result store before Teardown destroys them. It is
	// a query, callable in any state.
	LogFiles(test *config.Test, node config.Node) []string
}
