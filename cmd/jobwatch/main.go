package main

import (
	"os"

	"github.com/psantana5/jobwatch/cmd/jobwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
