// Command cfddns points Cloudflare address records at the current public IP.
//
// It reads a list of records from a config file, looks up the public IP once,
// updates every record whose content differs, prints a summary and exits.
// Run it from cron or a systemd timer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
)

const (
	exitOK = iota
	exitTaskFailed
	exitConfig
	exitTelemetry
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// flag and argument errors from cobra
	return exitConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(afero.NewOsFs()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cfddns: %s\n", err)
	}
	os.Exit(exitCode(err))
}
