package cmd

import (
	"io"
	"runtime"

	"grimm.is/apmux/internal/brand"
)

// RunVersion prints the build identity.
func RunVersion(w io.Writer) {
	Printer.Fprintf(w, "%s %s (%s) %s/%s %s\n", brand.BinaryName, brand.Version, brand.GitCommit, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
