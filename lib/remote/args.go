// Copyright (C) The Ordeal Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package remote executes shell commands on the fleet's hosts over
// SSH. A Context binds one host and an execution principal; commands
// are assembled from heterogeneous argument values with per-argument
// quoting, so callers never concatenate shell strings by hand.
package remote

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Literal is shell text that is passed through unquoted. Use it for
// syntax the shell must interpret (redirections, &&), never for
// values.
type Literal string

// Flag is a plain option token like "--initial-cluster-state". It is
// rendered unquoted for readable command lines, and must therefore be
// a simple token.
type Flag string

var flagToken = regexp.MustCompile(`^[A-Za-z0-9._/=,:-]+$`)

// Command renders args as one shell command line. Strings and
// stringers are single-quoted; integers are rendered bare; Flag must
// be a simple token; Literal is passed through as-is.
//
// Passing an unsupported type or a malformed Flag is a programming
// error and panics.
func Command(args ...interface{}) string {
	rendered := make([]string, 0, len(args))
	for _, arg := range args {
		switch arg := arg.(type) {
		case Literal:
			rendered = append(rendered, string(arg))
		case Flag:
			if !flagToken.MatchString(string(arg)) {
				panic(fmt.Sprintf("remote.Command: malformed flag %q", string(arg)))
			}
			rendered = append(rendered, string(arg))
		case string:
			rendered = append(rendered, quote(arg))
		case int:
			rendered = append(rendered, strconv.Itoa(arg))
		case int64:
			rendered = append(rendered, strconv.FormatInt(arg, 10))
		case fmt.Stringer:
			rendered = append(rendered, quote(arg.String()))
		default:
			panic(fmt.Sprintf("remote.Command: unsupported argument type %T", arg))
		}
	}
	return strings.Join(rendered, " ")
}

func quote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
