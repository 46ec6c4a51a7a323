// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package shell

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"

	"golang.org/x/term"
)

// CmdFn represents a command handler.
type CmdFn func(iface *Interface, arg []string) (res string, err error)

// Cmd represents a shell command.
type Cmd struct {
	// Name represents the command name, it is matched verbatim against
	// the command line when Pattern is nil.
	Name string
	// Args represents the number of Pattern sub-matches passed to Fn.
	Args int
	// Pattern represents the command line regular expression.
	Pattern *regexp.Regexp
	// Syntax represents the command arguments help.
	Syntax string
	// Help represents the command description.
	Help string
	// Fn represents the command handler.
	Fn CmdFn
}

// Add registers a command, commands are matched in registration order.
func (iface *Interface) Add(cmd Cmd) {
	if cmd.Pattern == nil && cmd.Args > 0 {
		panic(fmt.Sprintf("command %s has arguments without pattern", cmd.Name))
	}

	iface.cmds = append(iface.cmds, &cmd)
}

// Help returns the sorted list of registered commands, the help command
// itself is implicitly registered on first use.
func (iface *Interface) Help(t *term.Terminal) string {
	var names []string
	var buf bytes.Buffer

	if !iface.registered("help") {
		iface.Add(Cmd{
			Name: "help",
			Help: "this help",
			Fn: func(iface *Interface, _ []string) (string, error) {
				return iface.Help(nil), nil
			},
		})
	}

	help := make(map[string]*Cmd)

	for _, cmd := range iface.cmds {
		names = append(names, cmd.Name)
		help[cmd.Name] = cmd
	}

	sort.Strings(names)

	for _, name := range names {
		cmd := help[name]
		fmt.Fprintf(&buf, "%-40s # %s\n", cmd.Name+" "+cmd.Syntax, cmd.Help)
	}

	if t != nil && iface.VT100 {
		return string(t.Escape.Cyan) + buf.String() + string(t.Escape.Reset)
	}

	return buf.String()
}

func (iface *Interface) registered(name string) bool {
	for _, cmd := range iface.cmds {
		if cmd.Name == name {
			return true
		}
	}

	return false
}
