// Package main starts the realtime event-distribution gateway and handles
// termination.
//
// The process is a transport adapter: business services publish envelopes,
// the gateway owns connections, subscriptions, and fanout authorization.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	realtimecmd "github.com/canopyhq/canopy/internal/cmd/realtime"
)

func main() {
	cfg, err := realtimecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[REALTIME] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := realtimecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
