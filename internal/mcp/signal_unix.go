//go:build unix

package mcp

import (
	"os"
	"syscall"
)

// sendTerminate sends SIGTERM to p, matching the spec's Drop semantics.
func sendTerminate(p *os.Process) {
	p.Signal(syscall.SIGTERM)
}
