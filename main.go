package main

import (
	"os"

	"github.com/strandcdn/strand/cmd"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
