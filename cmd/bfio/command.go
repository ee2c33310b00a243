// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// command is one bfio subcommand: a name, help strings, an optional
// flag set built lazily on first use, and the run function receiving
// the positional arguments left after flag parsing.
type command struct {
	name    string
	summary string
	usage   string
	flags   func() *pflag.FlagSet
	run     func(args []string) error
}

// dispatch routes args[0] to the matching subcommand. Unknown names
// get a close-match suggestion when one is close enough to be a typo.
func dispatch(commands []*command, args []string) error {
	if len(args) == 0 {
		printUsage(os.Stderr, commands)
		return fmt.Errorf("subcommand required")
	}
	if isHelpFlag(args[0]) {
		printUsage(os.Stderr, commands)
		return nil
	}

	name := args[0]
	for _, c := range commands {
		if c.name == name {
			return c.execute(args[1:])
		}
	}

	if suggestion := closestCommand(name, commands); suggestion != "" {
		return fmt.Errorf("unknown command %q (did you mean %q?)\n\nRun 'bfio --help' for usage.", name, suggestion)
	}
	return fmt.Errorf("unknown command %q\n\nRun 'bfio --help' for usage.", name)
}

func (c *command) execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.printHelp(os.Stderr)
		return nil
	}
	if c.flags != nil {
		flagSet := c.flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			return fmt.Errorf("%s\n\nRun 'bfio %s --help' for usage.", err, c.name)
		}
		args = flagSet.Args()
	}
	return c.run(args)
}

func (c *command) printHelp(w io.Writer) {
	if c.summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.summary)
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", c.usage)
	if c.flags != nil {
		flagSet := c.flags()
		fmt.Fprintf(w, "\nFlags:\n")
		flagSet.SetOutput(w)
		flagSet.PrintDefaults()
	}
}

func printUsage(w io.Writer, commands []*command) {
	fmt.Fprintf(w, "Tiled image I/O for images that do not fit in memory.\n\n")
	fmt.Fprintf(w, "Usage:\n  bfio <command> [flags]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nRun 'bfio <command> --help' for more information on a command.\n")
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// closestCommand returns the subcommand name within edit distance 3
// of the unknown input, or "" when nothing is close.
func closestCommand(unknown string, commands []*command) string {
	best := ""
	bestDistance := 4
	for _, c := range commands {
		if d := levenshtein(unknown, c.name); d < bestDistance {
			bestDistance = d
			best = c.name
		}
	}
	return best
}

// levenshtein computes the edit distance between two strings with a
// single reused row of the distance matrix.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
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
