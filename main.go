package main

import (
	"runtime/debug"

	"github.com/marin/pos/cmd"
)

// version is set via ldflags for release builds; falls back to module info.
var version = ""

func main() {
	if version == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
			version = info.Main.Version
		} else {
			version = "dev"
		}
	}
	cmd.SetVersion(version)
	cmd.Execute()
}
