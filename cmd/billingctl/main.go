// Command billingctl is the operator CLI for the billing engine: schema
// migrations, one-off maintenance runs, job history and state inspection.
//
//	billingctl migrate [--status]
//	billingctl run-task --task sync_stripe [--reference-time 2026-03-01T00:00:00Z] [--force]
//	billingctl tasks [--history 5]
//	billingctl state <identity-id>
//
// Configuration is read from the same environment as the API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := NewRootCmd(version).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
