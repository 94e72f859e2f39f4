package subcmd

import (
	"fmt"
	"io"

	"github.com/aceeric/ocisync/impl/globals"
)

// Version prints the build version and date. A binary built without them
// reports the package version.
func Version(w io.Writer, buildVer, buildDtm string) {
	if buildVer == "" {
		buildVer = globals.Version
	}
	if buildDtm == "" {
		buildDtm = "unknown"
	}
	fmt.Fprintf(w, "ocisync version: %s build date: %s\n", buildVer, buildDtm)
}
