// Command authcore-server runs the campus authentication and authorization
// endpoints.
//
//	authcore-server serve --config authcore.yaml
//	authcore-server migrate --database-url postgres://... --catalog roles.yaml
//	authcore-server hash-password < secret.txt
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
