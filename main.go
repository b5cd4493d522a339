package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// interrupt cancels the batch; running jobs finish their cleanup
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
