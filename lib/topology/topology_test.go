// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package topology

import (
	"testing"

	"github.com/ordeal-io/ordeal/lib/config"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&TopologySuite{})

type TopologySuite struct{}

var builder = Builder{PeerPort: 2380, ClientPort: 2379}

func (s *TopologySuite) TestEndpoints(c *check.C) {
	c.Check(builder.PeerURL("n1"), check.Equals, "http://n1:2380")
	c.Check(builder.ClientURL("n1"), check.Equals, "http://n1:2379")
}

func (s *TopologySuite) TestInitialCluster(c *check.C) {
	nodes := []config.Node{"n1", "n2", "n3"}
	c.Check(builder.InitialCluster(nodes), check.Equals,
		"n1=http://n1:2380,n2=http://n2:2380,n3=http://n3:2380")
}

func (s *TopologySuite) TestOrderFollowsInput(c *check.C) {
	c.Check(builder.InitialCluster([]config.Node{"n3", "n1", "n2"}), check.Equals,
		"n3=http://n3:2380,n1=http://n1:2380,n2=http://n2:2380")
}

func (s *TopologySuite) TestDeterministic(c *check.C) {
	nodes := []config.Node{"n2", "n1"}
	first := builder.InitialCluster(nodes)
	for i := 0; i < 10; i++ {
		c.Check(builder.InitialCluster(nodes), check.Equals, first)
	}
}

func (s *TopologySuite) TestEmptyNodeSet(c *check.C) {
	c.Check(func() { builder.InitialCluster(nil) }, check.PanicMatches, "topology: empty node set")
}
