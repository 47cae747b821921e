// Command gergy runs the cross-domain intelligence engine.
//
// The serve subcommand speaks line-delimited JSON-RPC 2.0 on stdin/stdout for
// the domain tool servers; the remaining subcommands are operator tools that
// open the same stores and print JSON.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
