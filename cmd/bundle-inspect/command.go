// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is a node of the command tree. Exactly one of Run or
// subcommands is set.
type command struct {
	name        string
	summary     string
	description string
	usage       string
	examples    []example

	// flags returns a fresh flag set. Nil means the command takes no
	// flags.
	flags func() *pflag.FlagSet

	subcommands []*command
	run         func(args []string) error

	parent *command
}

type example struct {
	description string
	command     string
}

// Execute dispatches args to a subcommand or parses flags and runs.
func (c *command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.printHelp(os.Stderr)
		return nil
	}

	if len(c.subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			c.printHelp(os.Stderr)
			return fmt.Errorf("subcommand required")
		}
		for _, sub := range c.subcommands {
			if sub.name == args[0] {
				sub.parent = c
				return sub.Execute(args[1:])
			}
		}
		if suggestion := suggestCommand(args[0], c.subcommands); suggestion != "" {
			return fmt.Errorf("unknown command %q (did you mean %q?)\n\nRun '%s --help' for usage.",
				args[0], suggestion, c.fullName())
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
	}

	if c.flags != nil {
		flagSet := c.flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			if strings.Contains(err.Error(), "unknown flag") {
				if suggestion := suggestFlag(args, c.flags()); suggestion != "" {
					return fmt.Errorf("%v (did you mean %s?)\n\nRun '%s --help' for usage.",
						err, suggestion, c.fullName())
				}
			}
			return fmt.Errorf("%v\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flagSet.Args()
	}
	return c.run(args)
}

func (c *command) printHelp(w io.Writer) {
	if c.description != "" {
		fmt.Fprintf(w, "%s\n\n", c.description)
	} else if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}

	switch {
	case c.usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.usage)
	case len(c.subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", c.fullName())
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", c.fullName())
	}

	if len(c.subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.name, sub.summary)
		}
		tw.Flush()
	}

	if c.flags != nil {
		var flagHelp strings.Builder
		flagSet := c.flags()
		flagSet.SetOutput(&flagHelp)
		flagSet.PrintDefaults()
		if flagHelp.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", flagHelp.String())
		}
	}

	if len(c.examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, example := range c.examples {
			if example.description != "" {
				fmt.Fprintf(w, "  # %s\n", example.description)
			}
			fmt.Fprintf(w, "  %s\n", example.command)
		}
	}
}

func (c *command) fullName() string {
	if c.parent == nil {
		return c.name
	}
	return c.parent.fullName() + " " + c.name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// suggestCommand returns the subcommand within edit distance 3 of
// unknown, or "".
func suggestCommand(unknown string, commands []*command) string {
	best, bestDistance := "", 4
	for _, candidate := range commands {
		if distance := levenshtein(unknown, candidate.name); distance < bestDistance {
			best, bestDistance = candidate.name, distance
		}
	}
	return best
}

// suggestFlag finds the first undefined flag in args and returns the
// closest defined one with its dash prefix, or "".
func suggestFlag(args []string, flagSet *pflag.FlagSet) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if flagSet.Lookup(name) != nil {
			continue
		}
		best, bestDistance := "", 4
		flagSet.VisitAll(func(flag *pflag.Flag) {
			if distance := levenshtein(name, flag.Name); distance < bestDistance {
				best, bestDistance = flag.Name, distance
			}
		})
		if best == "" {
			return ""
		}
		return "--" + best
	}
	return ""
}

func levenshtein(a, b string) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	previous := make([]int, len(a)+1)
	for i := range previous {
		previous[i] = i
	}
	for j := 1; j <= len(b); j++ {
		current := make([]int, len(a)+1)
		current[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[i] = min(previous[i]+1, current[i-1]+1, previous[i-1]+cost)
		}
		previous = current
	}
	return previous[len(a)]
}
