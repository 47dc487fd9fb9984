package main

import (
	"os"

	"github.com/strandlabs/strand/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
