package main

import (
	"fmt"
	"os"

	"github.com/ops2deb/ops2deb/internal/ops2deberr"
)

// exitWithCode exits with the given process exit code.
func exitWithCode(code int) {
	os.Exit(code)
}

// reportAndExit prints a domain-formatted error to stderr and exits with
// the configured OPS2DEB_EXIT_CODE. nil is a no-op (success).
func reportAndExit(err error, code int) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, ops2deberr.Format(err))
	exitWithCode(code)
}
