// Package cmdmain carries over the parts of perkeep's pkg/cmdmain that
// still make sense once cobra owns subcommand dispatch and flag
// parsing: testable stdout/stderr/exit indirection and a usage-error
// type the cobra command tree's RunE functions return through.
package cmdmain

import (
	"fmt"
	"io"
	"os"
)

var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr

	// Exit is indirected so tests can observe a non-zero exit without
	// tearing down the test binary, matching perkeep's Exit var.
	Exit = os.Exit
)

// UsageError marks an error whose message alone is the right thing to
// show the user -- cobra already prints command usage on this kind of
// error, so RunE implementations return it instead of calling
// cmd.Usage() themselves.
type UsageError string

func (e UsageError) Error() string { return string(e) }

// Errorf prints to Stderr.
func Errorf(format string, args ...interface{}) {
	fmt.Fprintf(Stderr, format, args...)
}

// Fatalf prints to Stderr and exits with status 2, matching perkeep's
// Main() exit path for a command that returned a plain error.
func Fatalf(format string, args ...interface{}) {
	Errorf("error: "+format+"\n", args...)
	Exit(2)
}
