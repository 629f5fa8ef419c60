package main

import (
	"os"

	"github.com/rustyeddy/paperbot/cmd/paperbot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
