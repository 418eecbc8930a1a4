// Command license-server runs the RetailEase licensing and sync server.
package main

import (
	"context"
	"fmt"
	"os"

	"repserver/internal/app"
)

func main() {
	a, err := app.NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	if err := a.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
