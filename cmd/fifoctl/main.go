// Command fifoctl is the command line client for a fifogate server.
//
// Usage:
//
//	fifoctl [--server URL] enqueue --data '...'
//	fifoctl deliver [--identifier ID]
//	fifoctl status ID
//	fifoctl stream [--limit N]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snehjoshi/fifogate/internal/cmd/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cli.NewRoot().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fifoctl: %v\n", err)
		os.Exit(1)
	}
}
