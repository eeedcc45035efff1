// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"testing"
	"time"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func TestConfig(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ConfigSuite{})

type ConfigSuite struct{}

func (s *ConfigSuite) TestLoadYAML(c *check.C) {
	test, err := LoadYAML([]byte(`
Nodes: [n1, n2, n3]
SSHUser: admin
SSHKeyFile: /tmp/key
DBVersion: v3.5.15
StartupGrace: 3s
`))
	c.Assert(err, check.IsNil)
	c.Check(test.Nodes, check.DeepEquals, []Node{"n1", "n2", "n3"})
	c.Check(test.SSHUser, check.Equals, "admin")
	c.Check(test.SSHPort, check.Equals, 22)
	c.Check(test.PeerPort, check.Equals, 2380)
	c.Check(test.ClientPort, check.Equals, 2379)
	c.Check(test.StartupGrace.Duration(), check.Equals, 3*time.Second)
	c.Check(test.RunID, check.Not(check.Equals), "")
}

func (s *ConfigSuite) TestUniqueRunID(c *check.C) {
	doc := []byte(`{Nodes: [n1], SSHKeyFile: /tmp/key, DBVersion: v3.5.15}`)
	t1, err := LoadYAML(doc)
	c.Assert(err, check.IsNil)
	t2, err := LoadYAML(doc)
	c.Assert(err, check.IsNil)
	c.Check(t1.RunID, check.Not(check.Equals), t2.RunID)
}

func (s *ConfigSuite) TestMissingNodes(c *check.C) {
	_, err := LoadYAML([]byte(`{SSHKeyFile: /tmp/key, DBVersion: v3.5.15}`))
	c.Check(err, check.ErrorMatches, `invalid config: .*Nodes.*`)
}

func (s *ConfigSuite) TestMissingVersion(c *check.C) {
	_, err := LoadYAML([]byte(`{Nodes: [n1], SSHKeyFile: /tmp/key}`))
	c.Check(err, check.ErrorMatches, `invalid config: .*DBVersion.*`)
}

func (s *ConfigSuite) TestBadDuration(c *check.C) {
	_, err := LoadYAML([]byte(`{Nodes: [n1], SSHKeyFile: /tmp/key, DBVersion: v1, StartupGrace: 10}`))
	c.Check(err, check.ErrorMatches, `error decoding config: .*duration must be given as a string.*`)
}

func (s *ConfigSuite) TestResultPath(c *check.C) {
	test, err := LoadYAML([]byte(`{Nodes: [n1], SSHKeyFile: /tmp/key, DBVersion: v1, ResultDir: /res}`))
	c.Assert(err, check.IsNil)
	c.Check(test.ResultPath("n1"), check.Equals, "/res/"+test.RunID+"/n1")
}
