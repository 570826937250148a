// Command postctl edits and inspects the post store without the service.
// The running postbot picks up its writes through the store watcher.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
