// Package logging constructs the shared logger used by the server, worker and
// CLI commands.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New returns a logger writing to stderr. Debug mode lowers the level so the
// full error detail of I/O failures shows up alongside the generic client
// responses.
func New(debug bool) *log.Logger {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Prefix:          "filepond",
	})
}
