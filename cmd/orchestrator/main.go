// Package main is the entry point for the orchestrator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func init() {
	// Load .env for tokens referenced by the config (e.g. auth_token_env)
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("orchestrator"),
		kong.Description("Plan, confirm and execute operational tool sequences."),
		kong.Vars(kongVars()),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Run prints version information.
func (v *VersionCmd) Run(g *Globals) error {
	fmt.Printf("orchestrator version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
