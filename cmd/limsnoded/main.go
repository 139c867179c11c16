package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Version injected at build time with: -ldflags "-X 'main.version=1.2.3'"
var version = "dev"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
