package main

import (
	"io"
	"os"

	"github.com/google/logger"
)

// initLogging sends info and warnings to stdout and errors to stderr, and
// mirrors everything to logFile when one is set. Verbose only raises the
// V-level; warnings are never dropped.
func initLogging(logFile string, verbose bool) (func(), error) {
	var out io.Writer = io.Discard
	closeFile := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			return nil, err
		}
		out = f
		closeFile = func() { f.Close() }
	}

	l := logger.Init("raffle", true, false, out)
	if verbose {
		logger.SetLevel(1)
	}
	return func() {
		l.Close()
		closeFile()
	}, nil
}
