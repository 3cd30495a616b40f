/*
Package main defines the top level CLI module
*/
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/stevedore-io/stevedore/cmd/stevedore/cmd"
)

// Version information set during build
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func buildVersionInfo() string {
	versionInfo := version
	if commit != "unknown" {
		versionInfo += " (" + commit + ")"
	}
	if date != "unknown" {
		versionInfo += " built on " + date
	}
	return versionInfo
}

func main() {
	err := cmd.NewRootCmdWithVersion(os.Stdout, buildVersionInfo()).ExecuteContext(context.Background())
	if err != nil {
		slog.Error("error executing command, quitting", "error", err)
		os.Exit(3)
	}
}
