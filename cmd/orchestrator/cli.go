// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" help:"Serve the HTTP and WebSocket API"`
	Run      RunCmd      `cmd:"" help:"Propose, confirm and run a plan in the terminal"`
	History  HistoryCmd  `cmd:"" help:"List recorded executions or show one"`
	Rollback RollbackCmd `cmd:"" help:"Run the rollback steps of a recorded execution"`
	Validate ValidateCmd `cmd:"" help:"Validate a plan file"`
	Tools    ToolsCmd    `cmd:"" help:"List available tools"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// Globals are flags shared by every command.
type Globals struct {
	Config   string `short:"c" help:"Config file path (default: ./orchestrator.toml)" type:"path"`
	LogLevel string `help:"Override [logging] level (debug, info, warn, error)"`
}

// ServeCmd runs the API server.
type ServeCmd struct {
	Listen string `help:"Override [server] listen address"`
	Watch  bool   `default:"true" negatable:"" help:"Reload sandbox limits and the confirmation phrase when the config file changes"`
}

// RunCmd executes a plan interactively.
type RunCmd struct {
	Prompt            string `arg:"" help:"What to do"`
	Plan              string `short:"p" help:"Plan file (YAML or JSON); without it the planner library is used" type:"path"`
	Yes               bool   `short:"y" help:"Confirm LOW and MEDIUM risk plans without asking"`
	Phrase            string `help:"Confirmation phrase for HIGH risk plans (skips the prompt)"`
	RollbackOnFailure bool   `help:"Run rollback steps when the execution fails"`
}

// HistoryCmd shows recorded executions.
type HistoryCmd struct {
	ID    string `arg:"" optional:"" help:"Execution to show in detail"`
	Limit int    `short:"n" default:"20" help:"Maximum executions to list"`
}

// RollbackCmd rolls back a recorded execution.
type RollbackCmd struct {
	ID string `arg:"" help:"Execution ID"`
}

// ValidateCmd validates a plan file.
type ValidateCmd struct {
	File string `arg:"" help:"Plan file (YAML or JSON)" type:"path"`
}

// ToolsCmd lists registered tools.
type ToolsCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
