package main

import (
	"os"

	"converge/cmd/converge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
