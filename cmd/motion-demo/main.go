// Command motion-demo exercises the motion library end to end: a
// counter component served and updated against Redis, with graceful
// shutdown and optional process-isolated update workers.
package main

import (
	"fmt"
	"os"

	"github.com/motionhq/motion/cmd/motion-demo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
