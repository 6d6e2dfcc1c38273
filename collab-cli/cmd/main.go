package main

import (
	"os"

	"github.com/weiawesome/wes-trip-collab/collab-cli/internal/command"
)

func main() {
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
