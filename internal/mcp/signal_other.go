//go:build !unix

package mcp

import "os"

// sendTerminate has no SIGTERM equivalent on this platform; Kill is the
// closest available primitive.
func sendTerminate(p *os.Process) {
	p.Kill()
}
