// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/bfio-dev/bfio/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return dispatch(commands(), os.Args[1:])
}

// commands assembles the CLI tree.
func commands() []*command {
	return []*command{
		infoCommand(),
		convertCommand(),
		scanCommand(),
		{
			name:    "version",
			summary: "Print version information",
			usage:   "bfio version",
			run: func([]string) error {
				fmt.Printf("bfio %s\n", version.Full())
				return nil
			},
		},
	}
}
