package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// isTTY reports whether stderr is an interactive terminal, so progress
// output can be skipped when the tool runs unattended (cron, piped into a
// log file) instead of littering it with carriage-return spinners.
var isTTY = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

// progressf prints a transient, carriage-return-prefixed progress line
// on an interactive terminal only.
func progressf(format string, args ...interface{}) {
	if !isTTY {
		return
	}
	fmt.Fprintf(os.Stderr, "\r"+format, args...)
}
