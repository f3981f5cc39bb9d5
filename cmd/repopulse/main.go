package main

import (
	"os"

	"github.com/vipul43/repopulse/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
