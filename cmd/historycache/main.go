// History cache command line
// Indexes version control history under a source root and serves it
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
