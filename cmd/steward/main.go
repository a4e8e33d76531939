// Package main provides the entry point for the steward assistant.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/stewardhq/steward/cmd/steward/commands"
)

func main() {
	// Missing .env is fine; env vars may come from the environment.
	_ = godotenv.Load()

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
