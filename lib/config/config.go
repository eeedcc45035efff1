// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config defines the immutable per-run test configuration:
// the participating nodes, how to reach them, which database version
// to install, and where run artifacts (cache, retrieved logs) live on
// the control host.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Node is an opaque host identifier. It is used both as a network
// address (SSH target, cluster peer URLs) and as a path component in
// the local result store.
type Node string

// Test is the configuration for one run. It is constructed once by
// Load and read-only thereafter.
type Test struct {
	// Hosts participating in this run, in canonical order. The
	// cluster membership string preserves this order.
	Nodes []Node `validate:"min=1,dive,required"`

	// Remote login for lifecycle commands. Privileged steps run
	// under sudo regardless of this user.
	SSHUser    string `validate:"required"`
	SSHPort    int    `validate:"min=1,max=65535"`
	SSHKeyFile string `validate:"required"`

	// Version of the database to install on every node, e.g.
	// "v3.5.15". All nodes run the same version.
	DBVersion string `validate:"required"`

	PeerPort   int `validate:"min=1,max=65535"`
	ClientPort int `validate:"min=1,max=65535"`

	// Local directory where downloaded artifacts are mirrored
	// across runs.
	CacheDir string `validate:"required"`

	// Local directory where each run's retrieved node logs are
	// stored, keyed by run ID and node name.
	ResultDir string `validate:"required"`

	// How long setup waits after starting the daemon, to let the
	// cluster bootstrap handshake finish. A fixed delay, not a
	// readiness check: the service is only probably up when setup
	// returns.
	StartupGrace Duration

	LogFormat string `validate:"oneof=text json"`
	LogLevel  string `validate:"required"`

	// Unique ID for this run, assigned by Load.
	RunID string
}

// Default returns a Test with the defaults that Load applies before
// reading a config file.
func Default() *Test {
	return &Test{
		SSHUser:      "root",
		SSHPort:      22,
		SSHKeyFile:   filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa"),
		PeerPort:     2380,
		ClientPort:   2379,
		CacheDir:     filepath.Join(os.Getenv("HOME"), ".ordeal", "cache"),
		ResultDir:    "store",
		StartupGrace: Duration(10 * time.Second),
		LogFormat:    "text",
		LogLevel:     "info",
	}
}

// Load reads the YAML config file at path, applies defaults,
// validates the result, and assigns a fresh run ID.
func Load(path string) (*Test, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadYAML(buf)
}

// LoadYAML is Load for an in-memory config document.
func LoadYAML(buf []byte) (*Test, error) {
	test := Default()
	err := yaml.Unmarshal(buf, test)
	if err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	err = validator.New().Struct(test)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	test.RunID = uuid.NewString()
	return test, nil
}

// ResultPath returns the local directory where the given node's
// retrieved artifacts belong for this run.
func (test *Test) ResultPath(node Node) string {
	return filepath.Join(test.ResultDir, test.RunID, string(node))
}
