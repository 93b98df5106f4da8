// Command avatarctl talks to a running loqa-avatar deployment: it publishes
// speak and stop requests on the bus and reads the local event timeline.
package main

import (
	"fmt"
	"os"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
