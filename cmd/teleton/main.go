// Command teleton runs the Teleton Telegram agent.
//
// Start the bot, HTTP API and scheduler:
//
//	teleton serve
//
// Talk to the agent in the terminal:
//
//	teleton chat
//	teleton -m "what did I ask you yesterday?"
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is set with -ldflags "-X main.version=v1.0.0"
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
