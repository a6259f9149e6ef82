// Command tripsync records fishing operations on a device and keeps them in
// sync with a data pod.
package main

import (
	"os"

	"github.com/kilupskalvis/tripsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
