package main

import (
	"os"

	"github.com/computedrv/gpumem/cmd/gmmstat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
