package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/mossline/hydrod/internal/cli"
)

func main() {
	// Optional .env for local development; environment wins in production.
	_ = godotenv.Load()

	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
