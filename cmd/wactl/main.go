// Wactl is the operator CLI for a running wacli daemon.
//
// Usage:
//
//	wactl status                         Show session readiness
//	wactl login [--wait]                 Draw the pairing QR code
//	wactl send --to <number> --msg <t>   Send a text message
//	wactl history --to <number>          Show recent chat messages
//	wactl version                        Show client and daemon versions
package main

import (
	"os"

	"github.com/nugget/wacli/internal/ctl"
)

func main() {
	if err := ctl.Execute(); err != nil {
		os.Exit(1)
	}
}
