// Command bloomzen is the Bloom Zen live voice companion.
//
// Usage:
//
//	bloomzen [--config path] <command>
//
// Commands:
//
//	run       talk to the companion through the local microphone and speaker
//	serve     run the local control API
//	voices    list the voices of the configured provider
//	validate  check a configuration file
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bloomzen:", err)
		os.Exit(1)
	}
}
