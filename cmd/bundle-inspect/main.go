// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bundle-inspect decodes encoded bundle files for diagnosis: the
// signature, the packet and export tables, and the locators of other
// bundles a bundle references.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := rootCommand(os.Stdout).Execute(os.Args[1:]); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
