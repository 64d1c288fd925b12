// Command anomalyd trains and serves per-service metric anomaly detectors.
package main

import (
	"fmt"
	"os"

	"github.com/kubilitics/kubilitics-anomaly/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
