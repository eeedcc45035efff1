// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package topology derives per-node network endpoints and the
// cluster-membership descriptor every node consumes at first boot.
// It is pure string derivation: no I/O, no state.
package topology

import (
	"fmt"
	"strings"

	"github.com/ordeal-io/ordeal/lib/config"
)

// A Builder derives endpoints from the fixed port conventions of one
// test run.
type Builder struct {
	PeerPort   int
	ClientPort int
}

// NewBuilder returns a Builder using the ports from the given test
// configuration.
func NewBuilder(test *config.Test) Builder {
	return Builder{PeerPort: test.PeerPort, ClientPort: test.ClientPort}
}

// PeerURL returns the endpoint node uses for peer (cluster-internal)
// communication.
func (b Builder) PeerURL(node config.Node) string {
	return fmt.Sprintf("http://%s:%d", node, b.PeerPort)
}

// ClientURL returns the endpoint clients use to reach node.
func (b Builder) ClientURL(node config.Node) string {
	return fmt.Sprintf("http://%s:%d", node, b.ClientPort)
}

// InitialCluster returns the comma-joined "name=peerURL" membership
// string, in the iteration order of nodes. The exact same string is
// passed to every node's startup configuration so all nodes boot with
// an identical view of the cluster.
//
// An empty node set is a precondition violation.
func (b Builder) InitialCluster(nodes []config.Node) string {
	if len(nodes) == 0 {
		panic("topology: empty node set")
	}
	entries := make([]string, 0, len(nodes))
	for _, node := range nodes {
		entries = append(entries, fmt.Sprintf("%s=%s", node, b.PeerURL(node)))
	}
	return strings.Join(entries, ",")
}
