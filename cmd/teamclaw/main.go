package main

import (
	"os"

	"github.com/teamclaw/teamclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
