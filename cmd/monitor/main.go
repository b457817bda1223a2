// Package main is the thin hook client the assistant CLI invokes for every
// lifecycle event. It forwards stdin to the daemon socket and always exits
// zero with {"continue": true} semantics so the assistant is never blocked.
package main

import (
	"os"
	"path/filepath"

	"github.com/workio/workio/internal/forwarder"
)

func main() {
	forwarder.Run(os.Stdin, os.Stdout, socketPath(), forwarder.EnvFromOS())
}

// socketPath honors the explicit override, falling back to daemon.sock
// beside the executable, which is where an unconfigured daemon binds.
func socketPath() string {
	if path := os.Getenv("WORKIO_SOCKET_PATH"); path != "" {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return "daemon.sock"
	}
	return filepath.Join(filepath.Dir(exe), "daemon.sock")
}
