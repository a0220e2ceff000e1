// Package logging provides the one-prefixed-logger-per-subsystem
// convention used throughout this module: a plain log.New writing to
// stderr with a "[name] " prefix, rather than introducing a
// structured-logging dependency.
package logging

import (
	"log"
	"os"
)

// New returns a logger prefixed with "[name] " writing to stderr with
// standard timestamp flags.
func New(name string) *log.Logger {
	return log.New(os.Stderr, "["+name+"] ", log.LstdFlags)
}
