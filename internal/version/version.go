package version

import (
	"fmt"

	"github.com/fatih/color"

	"ripple/internal/bytecode"
)

// Version information for the ripple CLI.
// These variables can be overridden at build time via -ldflags.

var (
	versionMajorColor = color.New(color.FgYellow, color.Bold)
	versionMinorColor = color.New(color.FgGreen, color.Bold)
	versionPatchColor = color.New(color.FgBlue, color.Bold)

	// Version is the semantic version of the CLI.
	Version = versionMajorColor.Sprint("0") + "." + versionMinorColor.Sprint("1") + "." + versionPatchColor.Sprint("0") + "-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

// ImageFormat renders the bytecode image version this runtime accepts.
func ImageFormat() string {
	return fmt.Sprintf("%d.%d.%d", bytecode.VersionMajor, bytecode.VersionMinor, bytecode.VersionPatch)
}
