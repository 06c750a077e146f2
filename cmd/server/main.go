package main

import (
	"os"

	"github.com/KevinKickass/OpenScopeCore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
