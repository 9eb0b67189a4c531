package main

import (
	"os"

	"github.com/hemsd/hemsd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
