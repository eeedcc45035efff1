// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package fleet fans lifecycle operations out across all nodes
// concurrently and enforces the run-level protocol: a teardown sweep
// before any setup (clean slate after crashed prior runs), and a
// final teardown sweep after the workload, with log retrieval in
// between.
package fleet

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/ordeal-io/ordeal/lib/config"
	"github.com/ordeal-io/ordeal/lib/ctxlog"
	"github.com/ordeal-io/ordeal/lib/db"
	"github.com/ordeal-io/ordeal/lib/remote"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// A Workload drives requests against the running cluster between
// setup and teardown. It is an external collaborator; the fleet only
// sequences it.
type Workload func(ctx context.Context, test *config.Test) error

// A Fleet owns one execution context per node and sequences lifecycle
// operations across them.
type Fleet struct {
	test       *config.Test
	database   db.DB
	transports map[config.Node]remote.Transport
	cxs        map[config.Node]*remote.Context

	ops *prometheus.CounterVec
}

// New returns a Fleet operating on the given per-node transports. The
// map must cover every configured node; wiring a fleet with a missing
// transport is a programming error and panics.
func New(test *config.Test, database db.DB, transports map[config.Node]remote.Transport, reg prometheus.Registerer) *Fleet {
	cxs := map[config.Node]*remote.Context{}
	for _, node := range test.Nodes {
		transport, ok := transports[node]
		if !ok {
			panic(fmt.Sprintf("fleet: no transport for node %s", node))
		}
		cxs[node] = remote.NewContext(string(node), test.SSHUser, transport)
	}
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordeal",
		Subsystem: "fleet",
		Name:      "operations_total",
		Help:      "Lifecycle operations by type and outcome.",
	}, []string{"operation", "outcome"})
	if reg != nil {
		reg.MustRegister(ops)
	}
	return &Fleet{test: test, database: database, transports: transports, cxs: cxs, ops: ops}
}

// OnNodes invokes fn once per node, concurrently, and returns after
// every node has completed or failed. Nodes fail independently: one
// node's error never interrupts a sibling's in-flight operation. The
// returned map holds each node's outcome; the error is the first
// non-nil outcome, for callers that only care whether the sweep
// succeeded.
func (fl *Fleet) OnNodes(ctx context.Context, fn func(ctx context.Context, node config.Node, cx *remote.Context) error) (map[config.Node]error, error) {
	outcomes := make([]error, len(fl.test.Nodes))
	// deliberately not errgroup.WithContext: a failing node must
	// not cancel its siblings
	var wg errgroup.Group
	for i, node := range fl.test.Nodes {
		i, node := i, node
		wg.Go(func() error {
			outcomes[i] = fn(ctx, node, fl.cxs[node])
			return outcomes[i]
		})
	}
	first := wg.Wait()
	byNode := map[config.Node]error{}
	for i, node := range fl.test.Nodes {
		byNode[node] = outcomes[i]
	}
	return byNode, first
}

// SetupAll runs the database's setup on every node concurrently.
func (fl *Fleet) SetupAll(ctx context.Context) (map[config.Node]error, error) {
	return fl.operation(ctx, "setup", fl.database.Setup)
}

// TeardownAll runs the database's teardown on every node
// concurrently. It succeeds against fleets in unknown prior states.
func (fl *Fleet) TeardownAll(ctx context.Context) (map[config.Node]error, error) {
	return fl.operation(ctx, "teardown", fl.database.Teardown)
}

func (fl *Fleet) operation(ctx context.Context, name string, op func(context.Context, *config.Test, config.Node, *remote.Context) error) (map[config.Node]error, error) {
	logger := ctxlog.FromContext(ctx).WithField("operation", name)
	logger.Info("starting sweep")
	byNode, first := fl.OnNodes(ctx, func(ctx context.Context, node config.Node, cx *remote.Context) error {
		err := op(ctx, fl.test, node, cx)
		if err != nil {
			fl.ops.WithLabelValues(name, "fail").Inc()
			logger.WithField("node", node).WithError(err).Error("operation failed")
			return err
		}
		fl.ops.WithLabelValues(name, "ok").Inc()
		return nil
	})
	if first != nil {
		return byNode, fmt.Errorf("%s: %w", name, first)
	}
	logger.Info("sweep complete")
	return byNode, nil
}

// RetrieveLogs copies every node's declared log files into the local
// result store, keyed by node name, before teardown destroys them.
// Retrieval is best-effort per file; the first failure is returned
// but does not stop other nodes' retrievals.
func (fl *Fleet) RetrieveLogs(ctx context.Context) error {
	_, first := fl.OnNodes(ctx, func(ctx context.Context, node config.Node, cx *remote.Context) error {
		logger := ctxlog.FromContext(ctx).WithField("node", node)
		localDir := fl.test.ResultPath(node)
		err := os.MkdirAll(localDir, 0755)
		if err != nil {
			return err
		}
		for _, remotePath := range fl.database.LogFiles(fl.test, node) {
			var buf []byte
			err := cx.AsRoot(func(cx *remote.Context) error {
				var err error
				buf, err = cx.ReadFile(remotePath)
				return err
			})
			if err != nil {
				return fmt.Errorf("retrieve %s: %w", remotePath, err)
			}
			local := filepath.Join(localDir, path.Base(remotePath))
			err = os.WriteFile(local, buf, 0644)
			if err != nil {
				return err
			}
			logger.WithField("file", local).Info("retrieved log file")
		}
		return nil
	})
	return first
}

// Run executes the whole protocol: ping, teardown sweep, setup sweep,
// workload, log retrieval, final teardown sweep. The workload runs
// only if every node's setup succeeded; logs are retrieved and the
// final teardown sweep runs regardless of the workload's outcome.
func (fl *Fleet) Run(ctx context.Context, workload Workload) error {
	logger := ctxlog.FromContext(ctx).WithField("run", fl.test.RunID)

	err := fl.pingAll(ctx)
	if err != nil {
		return err
	}
	_, err = fl.TeardownAll(ctx)
	if err != nil {
		return err
	}
	_, err = fl.SetupAll(ctx)
	if err == nil && workload != nil {
		logger.Info("starting workload")
		err = workload(ctx, fl.test)
		if err != nil {
			logger.WithError(err).Error("workload failed")
		}
	}

	// Logs are pulled before the final teardown deletes them, and
	// independently of how the workload fared.
	logerr := fl.RetrieveLogs(ctx)
	if logerr != nil {
		logger.WithError(logerr).Error("log retrieval failed")
	}
	_, downerr := fl.TeardownAll(ctx)

	for _, e := range []error{logerr, downerr} {
		if err == nil {
			err = e
		}
	}
	return err
}

// pingAll waits for every node's transport to accept commands, so a
// run against a freshly provisioned fleet does not fail on a node
// that is still booting.
func (fl *Fleet) pingAll(ctx context.Context) error {
	type pinger interface {
		Ping(context.Context) error
	}
	_, first := fl.OnNodes(ctx, func(ctx context.Context, node config.Node, cx *remote.Context) error {
		p, ok := fl.transports[node].(pinger)
		if !ok {
			return nil
		}
		err := p.Ping(ctx)
		if err != nil {
			return fmt.Errorf("%s: unreachable: %w", node, err)
		}
		return nil
	})
	return first
}
