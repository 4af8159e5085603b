package main

import (
	"os"

	"github.com/floorkeeper/floorkeeper/cmd/floorkeeper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
