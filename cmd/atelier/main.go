package main

import (
	"os"

	"github.com/atelier-ai/atelier/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
