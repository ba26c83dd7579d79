package main

import (
	"fmt"
	"os"

	"github.com/RGBOARD/webapp/cmd"
	"github.com/RGBOARD/webapp/internal/conf"
	"github.com/RGBOARD/webapp/internal/logging"
)

func main() {
	logging.Init()

	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command execution error: %v\n", err)
		os.Exit(1)
	}
}
