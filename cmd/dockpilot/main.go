package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitRolledBack      = 4
	ExitDeployFailed    = 5
	ExitHTTPServerError = 6
)

// CommandError carries the exit code of a failed command.
type CommandError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Entry Point
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dockpilot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	logLevel := fs.String("log-level", "", "Override the configured log level")
	fs.Usage = func() { usage(stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitConfigError
	}
	if fs.NArg() == 0 {
		usage(stderr)
		return ExitConfigError
	}

	cmd, err := parseCommand(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "%v\n\n", err)
		usage(stderr)
		return ExitConfigError
	}

	if cmd == cmdVersion {
		runVersion(context.Background(), &App{stdout: stdout}, nil)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := SetupLogger(cfg, stderr)
	logger.Debug("starting dockpilot",
		"version", Version,
		"command", cmd,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{
		config: cfg,
		logger: logger,
		stdout: stdout,
		stderr: stderr,
	}

	err = commandHandlers[cmd](ctx, app, fs.Args()[1:])
	if err == nil {
		return ExitSuccess
	}

	var cErr *CommandError
	if errors.As(err, &cErr) {
		logger.Error("command failed",
			"command", cmd,
			"operation", cErr.Op,
			"error", cErr.Err,
		)
		return cErr.ExitCode
	}
	if errors.Is(err, flag.ErrHelp) {
		return ExitSuccess
	}
	logger.Error("command failed", "command", cmd, "error", err)
	return ExitConfigError
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: dockpilot [--config file] [--log-level level] <command> [arguments]

Commands:
  deploy <file> [--strategy rolling|blue-green|canary]    Deploy from a deployment file
  history [--limit N] [--container name] [--format table|json]
                                                          Show recorded deployments
  monitor [--duration 5m] [--spec file] [--save path] [container...]
                                                          Live container telemetry
  promote <source> <target> [--file path]                 Redeploy for dev, staging or prod
  container <start|stop|restart|remove|pause|unpause> <name>
                                                          Manual lifecycle operation
  container logs <name> [--tail N]                        Show the last log lines
  container inspect <name>                                Show container details as JSON
  container list [--all] [--format table|json]            List containers
  init [file] [--force]                                   Write a deployment file template
  serve                                                   Run the status server
  version                                                 Print version
`)
}
