package main

import (
	"os"

	"termlink/cmd/termlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
