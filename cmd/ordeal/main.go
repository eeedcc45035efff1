// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/ordeal-io/ordeal/lib/cmd"
	"github.com/ordeal-io/ordeal/lib/harness"
)

var handler = cmd.Multi(map[string]cmd.RunFunc{
	"version":   cmd.VersionCommand,
	"-version":  cmd.VersionCommand,
	"--version": cmd.VersionCommand,

	"run":      harness.RunCommand,
	"setup":    harness.SetupCommand,
	"teardown": harness.TeardownCommand,
	"logs":     harness.LogsCommand,
})

func main() {
	os.Exit(handler(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
