// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package harness wires the configuration, transports, database
// lifecycle, and fleet orchestrator into runnable subcommands.
package harness

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/ordeal-io/ordeal/lib/artifact"
	"github.com/ordeal-io/ordeal/lib/cmd"
	"github.com/ordeal-io/ordeal/lib/config"
	"github.com/ordeal-io/ordeal/lib/ctxlog"
	"github.com/ordeal-io/ordeal/lib/db"
	"github.com/ordeal-io/ordeal/lib/fleet"
	"github.com/ordeal-io/ordeal/lib/remote"
	"github.com/ordeal-io/ordeal/lib/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// RunCommand executes the full protocol: teardown sweep, setup sweep,
// workload hold, log retrieval, final teardown sweep.
var RunCommand = command(func(ctx context.Context, fl *fleet.Fleet, test *config.Test, hold time.Duration) error {
	return fl.Run(ctx, func(ctx context.Context, test *config.Test) error {
		// The real workload is an external collaborator. Hold
		// the cluster up so one can be pointed at it.
		logger := ctxlog.FromContext(ctx)
		topo := topology.NewBuilder(test)
		for _, node := range test.Nodes {
			logger.WithField("node", node).WithField("endpoint", topo.ClientURL(node)).Info("cluster member up")
		}
		logger.WithField("hold", hold).Info("holding cluster for workload")
		select {
		case <-time.After(hold):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
})

// SetupCommand runs one setup sweep and leaves the cluster up.
var SetupCommand = command(func(ctx context.Context, fl *fleet.Fleet, test *config.Test, hold time.Duration) error {
	_, err := fl.SetupAll(ctx)
	return err
})

// TeardownCommand runs one teardown sweep. Safe against fleets in any
// prior state.
var TeardownCommand = command(func(ctx context.Context, fl *fleet.Fleet, test *config.Test, hold time.Duration) error {
	_, err := fl.TeardownAll(ctx)
	return err
})

// LogsCommand retrieves the current log files without touching the
// cluster's state.
var LogsCommand = command(func(ctx context.Context, fl *fleet.Fleet, test *config.Test, hold time.Duration) error {
	return fl.RetrieveLogs(ctx)
})

func command(op func(ctx context.Context, fl *fleet.Fleet, test *config.Test, hold time.Duration) error) cmd.RunFunc {
	return func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		flags := flag.NewFlagSet(prog, flag.ContinueOnError)
		flags.SetOutput(stderr)
		configPath := flags.String("config", "ordeal.yml", "test configuration `file`")
		hold := flags.Duration("hold", 60*time.Second, "how long \"run\" holds the cluster up for the workload")
		err := flags.Parse(args)
		if err == flag.ErrHelp {
			return 0
		} else if err != nil {
			return 2
		}

		test, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		logger := ctxlog.New(stderr, test.LogFormat, test.LogLevel).WithFields(logrus.Fields{
			"run": test.RunID,
		})
		ctx := ctxlog.Context(context.Background(), logger)

		fl, closeAll, err := buildFleet(test, prometheus.NewRegistry())
		if err != nil {
			logger.WithError(err).Error("fleet construction failed")
			return 1
		}
		defer closeAll()

		err = op(ctx, fl, test, *hold)
		if err != nil {
			logger.WithError(err).Error("run failed")
			return 1
		}
		logger.Info("done")
		return 0
	}
}

// buildFleet opens one SSH transport per node and assembles the fleet
// around the configured database version.
func buildFleet(test *config.Test, reg prometheus.Registerer) (*fleet.Fleet, func(), error) {
	signer, err := remote.LoadKeyFile(test.SSHKeyFile)
	if err != nil {
		return nil, nil, err
	}
	executors := make([]*remote.Executor, 0, len(test.Nodes))
	transports := map[config.Node]remote.Transport{}
	for _, node := range test.Nodes {
		exr := remote.NewExecutor(string(node), test.SSHPort, test.SSHUser, signer)
		executors = append(executors, exr)
		transports[node] = exr
	}
	closeAll := func() {
		for _, exr := range executors {
			exr.Close()
		}
	}
	cache := artifact.NewCache(test.CacheDir, reg)
	database := db.NewEtcd(test, cache)
	return fleet.New(test, database, transports, reg), closeAll, nil
}
