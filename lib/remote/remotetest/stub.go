// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remotetest provides fake remote hosts for tests: an
// in-memory FakeHost that interprets the command shapes the harness
// emits, and a real in-process SSH server for transport tests.
package remotetest

import (
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"
)

// ExitError is the error a FakeHost returns for a nonzero exit. It
// exposes the exit status the same way ssh.ExitError does.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited %d", e.Status)
}

func (e *ExitError) ExitStatus() int {
	return e.Status
}

// FakeHost is a remote.Transport that emulates just enough of a
// remote shell for lifecycle tests: a flat filesystem, a process
// table, and the command forms issued by the artifact cache, daemon
// supervisor, and lifecycle controller.
type FakeHost struct {
	mtx   sync.Mutex
	Files map[string][]byte
	Dirs  map[string]bool
	Procs map[int]string // pid -> command name

	// Calls records every command line executed, in order. Elevated
	// lines keep their "sudo " prefix but have the root-shell
	// wrapper ("sh -c '...'") unwrapped, so assertions can match
	// the underlying command.
	Calls []string

	// Untars counts tarball uploads (tar invocations that consumed
	// stdin).
	Untars int

	// FailLaunch makes daemon launches record a pid whose process
	// is already gone, emulating a binary that exits immediately.
	FailLaunch bool

	// RootOwned lists path prefixes writable only under sudo.
	// Writes under them fail with "Permission denied" unless the
	// command was elevated -- and a bare "sudo cmd" prefix, like
	// real sudo, elevates only the first "&&" segment of a
	// compound line.
	RootOwned []string

	// IgnoreTERM names commands that survive "kill -TERM"; only
	// "kill -KILL" removes them from the process table.
	IgnoreTERM map[string]bool

	nextPID int
}

// NewFakeHost returns an empty FakeHost.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		Files:   map[string][]byte{},
		Dirs:    map[string]bool{},
		Procs:   map[int]string{},
		nextPID: 1000,
	}
}

// Running reports whether a process with the given command name is in
// the process table.
func (h *FakeHost) Running(comm string) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for _, c := range h.Procs {
		if c == comm {
			return true
		}
	}
	return false
}

// CommandLines returns a copy of the recorded command history.
func (h *FakeHost) CommandLines() []string {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]string(nil), h.Calls...)
}

// Execute implements remote.Transport.
func (h *FakeHost) Execute(env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	run := cmd
	elevatedAll, elevatedFirst := false, false
	if rest, ok := strings.CutPrefix(run, "sudo "); ok {
		if inner, ok := strings.CutPrefix(rest, "sh -c "); ok {
			// root shell: the whole line is one quoted argument
			fields, err := shlex.Split(inner)
			if err != nil || len(fields) != 1 {
				h.Calls = append(h.Calls, cmd)
				return nil, []byte("sh: bad -c argument\n"), &ExitError{Status: 2}
			}
			run = fields[0]
			elevatedAll = true
		} else {
			run = rest
			elevatedFirst = true
		}
	}
	if elevatedAll || elevatedFirst {
		h.Calls = append(h.Calls, "sudo "+run)
	} else {
		h.Calls = append(h.Calls, run)
	}

	tokens, err := shlex.Split(run)
	if err != nil {
		return nil, []byte(err.Error()), &ExitError{Status: 2}
	}
	var stdout, stderr []byte
	for i, segment := range splitOn(tokens, "&&") {
		elevated := elevatedAll || (elevatedFirst && i == 0)
		out, errout, status := h.interpret(segment, stdin, elevated)
		stdout = append(stdout, out...)
		stderr = append(stderr, errout...)
		if status != 0 {
			return stdout, stderr, &ExitError{Status: status}
		}
	}
	return stdout, stderr, nil
}

func splitOn(tokens []string, sep string) [][]string {
	var out [][]string
	cur := []string{}
	for _, t := range tokens {
		if t == sep {
			out = append(out, cur)
			cur = []string{}
		} else {
			cur = append(cur, t)
		}
	}
	return append(out, cur)
}

func (h *FakeHost) interpret(argv []string, stdin io.Reader, elevated bool) (stdout, stderr []byte, status int) {
	if len(argv) == 0 {
		return nil, nil, 0
	}
	switch argv[0] {
	case "true", "cd", "sleep":
		return nil, nil, 0
	case "test":
		// only the "test -e path" form is emitted
		if len(argv) == 3 && h.exists(argv[2]) {
			return nil, nil, 0
		}
		return nil, nil, 1
	case "tee":
		if !h.writable(argv[1], elevated) {
			return nil, h.denied(argv[1]), 1
		}
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return nil, []byte(err.Error()), 2
		}
		h.Files[argv[1]] = buf
		return buf, nil, 0
	case "cat":
		buf, ok := h.Files[argv[1]]
		if !ok {
			return nil, []byte("cat: " + argv[1] + ": No such file or directory\n"), 1
		}
		return buf, nil, 0
	case "mkdir":
		dir := argv[len(argv)-1]
		if !h.writable(dir, elevated) {
			return nil, h.denied(dir), 1
		}
		h.Dirs[dir] = true
		return nil, nil, 0
	case "touch":
		if !h.writable(argv[1], elevated) {
			return nil, h.denied(argv[1]), 1
		}
		h.Files[argv[1]] = []byte{}
		return nil, nil, 0
	case "rm":
		for _, target := range argv[2:] {
			if !h.writable(target, elevated) {
				return nil, h.denied(target), 1
			}
			h.removeTree(target)
		}
		return nil, nil, 0
	case "mv":
		if !h.writable(argv[1], elevated) {
			return nil, h.denied(argv[1]), 1
		}
		if !h.writable(argv[2], elevated) {
			return nil, h.denied(argv[2]), 1
		}
		h.rename(argv[1], argv[2])
		return nil, nil, 0
	case "tar":
		dir := argv[len(argv)-1] // ... -C <dir>
		if !h.writable(dir, elevated) {
			return nil, h.denied(dir), 1
		}
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return nil, []byte(err.Error()), 2
		}
		h.Dirs[dir] = true
		h.Files[path.Join(dir, "etcd")] = buf
		h.Untars++
		return nil, nil, 0
	case "kill":
		pid, err := strconv.Atoi(argv[len(argv)-1])
		if err != nil {
			return nil, []byte("kill: bad pid\n"), 1
		}
		comm, alive := h.Procs[pid]
		if !alive {
			return nil, []byte(fmt.Sprintf("kill: (%d) - No such process\n", pid)), 1
		}
		if len(argv) == 3 && argv[1] != "-0" {
			if argv[1] == "-KILL" || !h.IgnoreTERM[comm] {
				delete(h.Procs, pid)
			}
		}
		return nil, nil, 0
	case "ps":
		// ps -p <pid> -o comm=
		pid, err := strconv.Atoi(argv[2])
		if err != nil {
			return nil, nil, 1
		}
		comm, alive := h.Procs[pid]
		if !alive {
			return nil, nil, 1
		}
		return []byte(comm + "\n"), nil, 0
	case "nohup":
		return h.launch(argv, elevated)
	}
	return nil, []byte(argv[0] + ": command not found\n"), 127
}

// launch handles the detached-daemon form:
// nohup setsid <binary> <args...> >> <logfile> 2>&1 & echo $! > <pidfile>
func (h *FakeHost) launch(argv []string, elevated bool) (stdout, stderr []byte, status int) {
	var binary, logfile, pidfile string
	for i, t := range argv {
		switch t {
		case "setsid":
			binary = argv[i+1]
		case ">>":
			logfile = argv[i+1]
		case ">":
			pidfile = argv[i+1]
		}
	}
	if binary == "" || logfile == "" || pidfile == "" {
		return nil, []byte("malformed launch command\n"), 2
	}
	if !h.writable(logfile, elevated) {
		return nil, h.denied(logfile), 1
	}
	if !h.writable(pidfile, elevated) {
		return nil, h.denied(pidfile), 1
	}
	h.nextPID++
	pid := h.nextPID
	if !h.FailLaunch {
		h.Procs[pid] = path.Base(binary)
	}
	h.Files[pidfile] = []byte(strconv.Itoa(pid) + "\n")
	h.Files[logfile] = append(h.Files[logfile], []byte("starting "+binary+"\n")...)
	return nil, nil, 0
}

func (h *FakeHost) writable(p string, elevated bool) bool {
	if elevated {
		return true
	}
	for _, prefix := range h.RootOwned {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return false
		}
	}
	return true
}

func (h *FakeHost) denied(p string) []byte {
	return []byte("sh: " + p + ": Permission denied\n")
}

func (h *FakeHost) exists(p string) bool {
	if _, ok := h.Files[p]; ok {
		return true
	}
	if h.Dirs[p] {
		return true
	}
	// parent directories of known entries exist implicitly
	for f := range h.Files {
		if strings.HasPrefix(f, p+"/") {
			return true
		}
	}
	for d := range h.Dirs {
		if strings.HasPrefix(d, p+"/") {
			return true
		}
	}
	return false
}

func (h *FakeHost) removeTree(p string) {
	delete(h.Files, p)
	delete(h.Dirs, p)
	for f := range h.Files {
		if strings.HasPrefix(f, p+"/") {
			delete(h.Files, f)
		}
	}
	for d := range h.Dirs {
		if strings.HasPrefix(d, p+"/") {
			delete(h.Dirs, d)
		}
	}
}

func (h *FakeHost) rename(from, to string) {
	if h.Dirs[from] {
		delete(h.Dirs, from)
		h.Dirs[to] = true
	}
	moved := map[string][]byte{}
	for f, buf := range h.Files {
		if strings.HasPrefix(f, from+"/") {
			moved[to+strings.TrimPrefix(f, from)] = buf
			delete(h.Files, f)
		} else if f == from {
			moved[to] = buf
			delete(h.Files, f)
		}
	}
	for f, buf := range moved {
		h.Files[f] = buf
	}
}
