package version

import (
	"fmt"
	"runtime"
)

// Build-time variables (set via ldflags)
var (
	Version = "dev"
	Commit  = ""
)

// GetVersion returns the current version
func GetVersion() string {
	return Version
}

// Describe is the one-line version banner printed by the version command.
func Describe() string {
	description := fmt.Sprintf("equipment-inventory %s", Version)
	if Commit != "" {
		description += fmt.Sprintf(" (%s)", Commit)
	}
	return fmt.Sprintf("%s %s/%s", description, runtime.GOOS, runtime.GOARCH)
}
