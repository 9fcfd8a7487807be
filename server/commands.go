// Copyright 2018-2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"strings"

	"github.com/anmitsu/go-shlex"

	"github.com/gitpan/arc/errs"
)

// Command is one entry of the [commands] config section: a name the
// client may request, resolved to an executable path plus its fixed
// argv template. A template prefixed with "@tty " requests a
// pseudo-terminal for the child rather than plain pipes, for commands
// (an interactive shell, say) that need one to behave.
type Command struct {
	Path string
	Args []string
	TTY  bool
}

// ParseCommandTable builds the name→Command map from the [commands]
// section's raw key/value strings (name -> "/path/to/bin --flag").
// Argv splitting uses go-shlex rather than strings.Fields so a
// template may quote an argument containing spaces, the same
// shell-word-splitting behavior the config file's author expects.
func ParseCommandTable(raw map[string]string) (map[string]Command, error) {
	table := make(map[string]Command, len(raw))
	for name, template := range raw {
		tty := false
		if rest, ok := cutTTYPrefix(template); ok {
			tty = true
			template = rest
		}
		argv, err := shlex.Split(template, true)
		if err != nil {
			return nil, errs.New(errs.Config, fmt.Sprintf("commands: %q: bad argv template %q", name, template), err)
		}
		if len(argv) == 0 {
			return nil, errs.New(errs.Config, fmt.Sprintf("commands: %q: empty argv template", name), nil)
		}
		table[name] = Command{Path: argv[0], Args: argv[1:], TTY: tty}
	}
	return table, nil
}

func cutTTYPrefix(template string) (string, bool) {
	const prefix = "@tty "
	if strings.HasPrefix(template, prefix) {
		return strings.TrimPrefix(template, prefix), true
	}
	return template, false
}

// ACL decides whether user may invoke command. Implementations must
// be deterministic and order-independent (spec.md §4.H).
type ACL interface {
	Allow(user, command string) bool
}

// StaticACL is the simplest policy spec.md calls for: a fixed
// allowlist of usernames per command name. Extension point for open
// question (a) — richer policy (groups, patterns) implements the same
// ACL interface.
type StaticACL map[string][]string

// Allow reports whether user appears in command's allowlist.
func (a StaticACL) Allow(user, command string) bool {
	for _, allowed := range a[command] {
		if allowed == user {
			return true
		}
	}
	return false
}
