// Package main is the entry point for the PulseWatch CLI application
package main

import (
	"fmt"
	"os"

	"github.com/pulsepoint/pulsewatch/internal/cli"
	pplogger "github.com/pulsepoint/pulsewatch/pkg/logger"
	"go.uber.org/zap"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	// Set version info for CLI
	cli.SetVersionInfo(Version, BuildDate)

	// Execute the root command
	if err := cli.Execute(); err != nil {
		pplogger.Get().Error("PulseWatch execution failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
