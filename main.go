// mitmctl - per-app interception session controller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mitmctl/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mitmctl: %v\n", err)
		os.Exit(1)
	}
}
