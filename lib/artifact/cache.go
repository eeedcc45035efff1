// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package artifact materializes installation tarballs on remote
// hosts, at most once per source URL: downloads are mirrored on the
// control host across runs, and a populated install directory is
// detected and left alone on re-install.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/ordeal-io/ordeal/lib/ctxlog"
	"github.com/ordeal-io/ordeal/lib/remote"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// marker is the file recording, inside a fully populated install
// directory, which source URL it was unpacked from.
const marker = ".unpacked"

// A Cache installs unpacked tarballs on remote hosts, fetching each
// source URL over the network at most once (per control host, across
// runs) and unpacking onto each node at most once (per distinct URL).
type Cache struct {
	// Local mirror directory.
	Dir string

	client *retryablehttp.Client
	fetch  singleflight.Group

	downloads prometheus.Counter
	unpacks   prometheus.Counter
}

// NewCache returns a Cache mirroring downloads under dir. Transfer
// counters are registered with reg if non-nil.
func NewCache(dir string, reg prometheus.Registerer) *Cache {
	client := retryablehttp.NewClient()
	client.Logger = nil
	cache := &Cache{
		Dir:    dir,
		client: client,
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordeal",
			Subsystem: "artifact",
			Name:      "downloads_total",
			Help:      "Number of tarball downloads to the local mirror.",
		}),
		unpacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordeal",
			Subsystem: "artifact",
			Name:      "unpacks_total",
			Help:      "Number of tarball uploads/unpacks onto remote hosts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(cache.downloads, cache.unpacks)
	}
	return cache
}

// Install ensures destDir on cx's host contains the unpacked tarball
// from url. If destDir was already populated from the same url by a
// prior run, Install does nothing. Interrupted installs never leave a
// half-populated destDir: unpacking happens in a staging directory
// that is renamed into place only when complete.
//
// The caller supplies a context with whatever privilege the
// destination requires; Install does not elevate on its own.
func (cache *Cache) Install(ctx context.Context, cx *remote.Context, url, destDir string) error {
	logger := ctxlog.FromContext(ctx).WithField("node", cx.Host()).WithField("url", url)

	markerPath := path.Join(destDir, marker)
	ok, err := cx.Exists(markerPath)
	if err != nil {
		return err
	}
	if ok {
		prior, err := cx.ReadFile(markerPath)
		if err != nil {
			return err
		}
		if string(bytes.TrimSpace(prior)) == url {
			logger.Debug("install dir already populated, skipping transfer")
			return nil
		}
		logger.WithField("prior", string(prior)).Info("install dir holds a different artifact, replacing")
	}

	local, err := cache.fetchLocal(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	staging := destDir + ".partial"
	err = cx.Run("rm", "-rf", staging, remote.Literal("&&"), "mkdir", "-p", staging)
	if err != nil {
		return err
	}
	_, _, err = cx.RunStdin(f, "tar", "-xz", remote.Flag("--strip-components"), 1, remote.Flag("-C"), staging)
	if err != nil {
		return err
	}
	cache.unpacks.Inc()
	err = cx.Run("rm", "-rf", destDir, remote.Literal("&&"), "mv", staging, destDir)
	if err != nil {
		return err
	}
	_, _, err = cx.RunStdin(bytes.NewReader([]byte(url+"\n")), "tee", markerPath)
	if err != nil {
		return err
	}
	logger.Info("artifact installed")
	return nil
}

// fetchLocal ensures the tarball for url is present in the local
// mirror, and returns its path. Concurrent calls for the same url
// share one download.
func (cache *Cache) fetchLocal(ctx context.Context, url string) (string, error) {
	local := filepath.Join(cache.Dir, mirrorName(url))
	result, err, _ := cache.fetch.Do(url, func() (interface{}, error) {
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
		err := os.MkdirAll(cache.Dir, 0755)
		if err != nil {
			return nil, err
		}
		req, err := retryablehttp.NewRequest("GET", url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := cache.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			return nil, fmt.Errorf("unexpected response status %q", resp.Status)
		}
		tmp, err := os.CreateTemp(cache.Dir, ".download-*")
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp.Name())
		size, err := io.Copy(tmp, resp.Body)
		if err != nil {
			tmp.Close()
			return nil, err
		}
		err = tmp.Close()
		if err != nil {
			return nil, err
		}
		err = os.Rename(tmp.Name(), local)
		if err != nil {
			return nil, err
		}
		cache.downloads.Inc()
		ctxlog.FromContext(ctx).WithField("url", url).WithField("size", humanize.IBytes(uint64(size))).Info("downloaded artifact to local mirror")
		return local, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// mirrorName keeps the recognizable tarball basename but prefixes a
// URL digest, so distinct URLs with equal basenames cannot collide in
// the mirror.
func mirrorName(url string) string {
	digest := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%x-%s", digest[:8], path.Base(url))
}
