package main

import (
	"os"

	"github.com/billm/baaaht/ipcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
