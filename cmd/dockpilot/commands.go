package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/dockpilot/internal/core/domain"
	"github.com/artpar/dockpilot/internal/shell/deploy"
	"github.com/artpar/dockpilot/internal/shell/docker"
	"github.com/artpar/dockpilot/internal/shell/health"
	"github.com/artpar/dockpilot/internal/shell/metrics"
	"github.com/artpar/dockpilot/internal/shell/notify"
	"github.com/artpar/dockpilot/internal/shell/store"
	"github.com/artpar/dockpilot/internal/shell/workers"
)

// =============================================================================
// Commands
// =============================================================================

type command string

const (
	cmdDeploy    command = "deploy"
	cmdPromote   command = "promote"
	cmdHistory   command = "history"
	cmdMonitor   command = "monitor"
	cmdContainer command = "container"
	cmdInit      command = "init"
	cmdServe     command = "serve"
	cmdVersion   command = "version"
)

var errUnknownCommand = errors.New("unknown command")

type commandHandler func(ctx context.Context, app *App, args []string) error

var commandHandlers = map[command]commandHandler{
	cmdDeploy:    runDeploy,
	cmdPromote:   runPromote,
	cmdHistory:   runHistory,
	cmdMonitor:   runMonitor,
	cmdContainer: runContainer,
	cmdInit:      runInit,
	cmdServe:     runServe,
	cmdVersion:   runVersion,
}

func parseCommand(s string) (command, error) {
	cmd := command(strings.ToLower(s))
	if _, ok := commandHandlers[cmd]; !ok {
		return "", fmt.Errorf("%w: %q", errUnknownCommand, s)
	}
	return cmd, nil
}

// parseInterspersed parses flags that may appear before, between or after
// positional arguments and returns the positional ones.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func usageError(op string, err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return err
	}
	return &CommandError{Op: op, Err: err, ExitCode: ExitConfigError}
}

// =============================================================================
// Application Wiring
// =============================================================================

// App carries the configuration and output streams shared by every command.
type App struct {
	config *Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer

	// newEngine connects to the container engine, docker.NewDockerClient when nil.
	newEngine func(ctx context.Context, host string) (docker.Client, error)
	now       func() time.Time
}

func (a *App) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *App) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// engine connects to the container engine and verifies the connection.
func (a *App) engine(ctx context.Context) (docker.Client, error) {
	connect := a.newEngine
	if connect == nil {
		connect = connectDocker
	}

	c, err := connect(ctx, a.config.Docker.Host)
	if err != nil {
		return nil, &CommandError{Op: "connect docker", Err: err, ExitCode: ExitDockerError}
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, &CommandError{Op: "connect docker", Err: err, ExitCode: ExitDockerError}
	}
	return c, nil
}

func connectDocker(ctx context.Context, host string) (docker.Client, error) {
	d, err := docker.NewDockerClient(ctx, host)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ledger opens the deployment ledger, creating its directory if needed.
func (a *App) ledger() (*store.SQLiteStore, error) {
	dsn := a.config.Ledger.DSN
	if !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, &CommandError{Op: "open ledger", Err: err, ExitCode: ExitDatabaseError}
		}
	}

	s, err := store.NewSQLiteStore(dsn, a.config.Ledger.MaxEntries)
	if err != nil {
		return nil, &CommandError{Op: "open ledger", Err: err, ExitCode: ExitDatabaseError}
	}
	return s, nil
}

// orchestrator wires an orchestrator and the prober it owns. m may be nil.
func (a *App) orchestrator(engine docker.Client, ledger deploy.Recorder, m *metrics.Metrics) (*deploy.Orchestrator, *health.Prober) {
	prober := health.NewProber(a.config.proberConfig(), a.logger, health.WithObserver(m.ObserveProbe))
	orch := deploy.New(deploy.Deps{
		Gateway: engine,
		Prober:  prober,
		Ledger:  ledger,
		Metrics: m,
		Logger:  a.logger,
	}, a.config.orchestratorConfig(a.stderr))
	return orch, prober
}

// =============================================================================
// deploy
// =============================================================================

func runDeploy(ctx context.Context, app *App, args []string) error {
	fs := app.flags("deploy")
	strategyName := fs.String("strategy", string(domain.StrategyRolling), "rolling, blue-green or canary")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return usageError("deploy", err)
	}
	if len(positional) != 1 {
		return usageError("deploy", errors.New("expected exactly one deployment file"))
	}

	strategy, err := domain.ParseStrategy(*strategyName)
	if err != nil {
		return usageError("deploy", err)
	}
	file, err := readDeploymentFile(positional[0])
	if err != nil {
		return usageError("deploy", err)
	}
	return app.deploy(ctx, "deploy", *file, strategy)
}

// deploy runs one deployment against the engine and ledger and prints its
// attempt.
func (a *App) deploy(ctx context.Context, op string, file domain.DeploymentFile, strategy domain.Strategy) error {
	engine, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	ledger, err := a.ledger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	orch, prober := a.orchestrator(engine, ledger, nil)
	defer prober.Close()

	res, err := orch.Deploy(ctx, file, strategy)
	if res != nil {
		printAttempt(a.stdout, res.Attempt)
	}
	if err != nil {
		return &CommandError{Op: op, Err: err, ExitCode: deployExitCode(res, err)}
	}
	fmt.Fprintf(a.stdout, "%s is serving %s\n", res.Slot.Name, res.Attempt.Spec.ImageTag)
	return nil
}

// deployExitCode maps a failed deployment onto the process exit code.
func deployExitCode(res *deploy.Result, err error) int {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return ExitConfigError
	case res != nil && res.Attempt.Outcome == domain.OutcomeRolledBack:
		return ExitRolledBack
	default:
		return ExitDeployFailed
	}
}

func readDeploymentFile(path string) (*domain.DeploymentFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	file, err := domain.ParseDeploymentFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

func printAttempt(w io.Writer, a *domain.Attempt) {
	fmt.Fprintf(w, "Deployment %s (%s) %s in %s\n", a.ID, a.Strategy, a.Outcome, a.Duration().Round(100*time.Millisecond))
	fmt.Fprintf(w, "  container: %s  image: %s\n", a.Spec.ContainerName, a.Spec.ImageTag)
	if a.FailedPhase != "" {
		fmt.Fprintf(w, "  failed phase: %s\n", a.FailedPhase)
	}
	if a.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", a.ErrorMessage)
	}
	for _, n := range a.Notices {
		fmt.Fprintf(w, "  notice: %s\n", n)
	}
}

// =============================================================================
// promote
// =============================================================================

// runPromote redeploys a service for the next stage: the stage's latest image
// tag and resource limits, blue-green into prod and rolling elsewhere.
func runPromote(ctx context.Context, app *App, args []string) error {
	fs := app.flags("promote")
	path := fs.String("file", "", "Deployment file, deployment-<target>.yml by default")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return usageError("promote", err)
	}
	if len(positional) != 2 {
		return usageError("promote", errors.New("expected a source and a target environment"))
	}
	source, target := positional[0], positional[1]

	if *path == "" {
		*path = "deployment-" + strings.ToLower(target) + ".yml"
	}
	file, err := readDeploymentFile(*path)
	if err != nil {
		return usageError("promote", err)
	}
	promotion, err := domain.PlanPromotion(*file, source, target)
	if err != nil {
		return usageError("promote", err)
	}

	app.logger.Info("promoting",
		"source", promotion.Source,
		"target", promotion.Target,
		"image", promotion.File.Deployment.ImageTag,
		"strategy", promotion.Strategy,
	)
	if err := app.deploy(ctx, "promote", promotion.File, promotion.Strategy); err != nil {
		return err
	}
	fmt.Fprintf(app.stdout, "Promoted %s from %s to %s\n", promotion.File.Deployment.ContainerName, promotion.Source, promotion.Target)
	return nil
}

// =============================================================================
// history
// =============================================================================

func runHistory(ctx context.Context, app *App, args []string) error {
	fs := app.flags("history")
	limit := fs.Int("limit", 10, "Number of records to show")
	container := fs.String("container", "", "Only show deployments of this container")
	format := fs.String("format", "table", "Output format: table or json")
	if _, err := parseInterspersed(fs, args); err != nil {
		return usageError("history", err)
	}
	if *format != "table" && *format != "json" {
		return usageError("history", fmt.Errorf("unknown format %q", *format))
	}

	ledger, err := app.ledger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	var attempts []domain.Attempt
	if *container != "" {
		attempts, err = ledger.HistoryForContainer(ctx, *container, *limit)
	} else {
		attempts, err = ledger.History(ctx, *limit)
	}
	if err != nil {
		return &CommandError{Op: "history", Err: err, ExitCode: ExitDatabaseError}
	}

	if *format == "json" {
		if attempts == nil {
			attempts = []domain.Attempt{}
		}
		enc := json.NewEncoder(app.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(attempts)
	}

	if len(attempts) == 0 {
		fmt.Fprintln(app.stdout, "No deployments recorded")
		return nil
	}
	return renderHistory(app.stdout, attempts)
}

// =============================================================================
// monitor
// =============================================================================

func runMonitor(ctx context.Context, app *App, args []string) error {
	fs := app.flags("monitor")
	duration := fs.Duration("duration", app.config.Monitor.Duration, "How long to monitor, 0 until interrupted")
	interval := fs.Duration("interval", app.config.Monitor.Interval, "Time between samples")
	specPath := fs.String("spec", "", "Deployment file whose monitoring thresholds become alert rules")
	savePath := fs.String("save", app.config.Monitor.MetricsFile, "Write the sample history to this file")
	names, err := parseInterspersed(fs, args)
	if err != nil {
		return usageError("monitor", err)
	}

	config := app.config.monitorConfig()
	config.Duration = *duration
	config.Interval = *interval

	if *specPath != "" {
		file, err := readDeploymentFile(*specPath)
		if err != nil {
			return usageError("monitor", err)
		}
		if file.Monitoring.Enabled {
			config.Rules = mergeRules(config.Rules, file.Monitoring.AlertRules())
		}
		if len(names) == 0 {
			names = []string{file.Deployment.ContainerName}
		}
	}

	notifier := notify.New(app.config.Alerts.Channels, app.logger)
	defer notifier.Close()
	if err := notifier.Validate(); err != nil {
		return usageError("monitor", err)
	}

	engine, err := app.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	monitor := workers.NewMonitor(engine, notifier, nil, config, app.logger)
	summaries, err := monitor.Run(ctx, names, app.stdout)
	if errors.Is(err, workers.ErrNoContainers) {
		fmt.Fprintln(app.stdout, "No running containers found")
		return nil
	}
	if err != nil {
		return &CommandError{Op: "monitor", Err: err, ExitCode: ExitDockerError}
	}

	fmt.Fprintln(app.stdout)
	if err := workers.RenderSummaries(app.stdout, summaries); err != nil {
		return err
	}

	if *savePath != "" {
		if err := saveHistory(*savePath, monitor.Snapshot(), app.clock()); err != nil {
			app.logger.Error("failed to save metrics history", "path", *savePath, "error", err)
			return nil
		}
		app.logger.Info("metrics history saved", "path", *savePath)
	}
	return nil
}

// mergeRules returns base with every rule of the same name replaced by override.
func mergeRules(base, override []domain.AlertRule) []domain.AlertRule {
	out := make([]domain.AlertRule, 0, len(base)+len(override))
	replaced := make(map[string]bool, len(override))
	for _, r := range override {
		replaced[r.Name] = true
	}
	for _, r := range base {
		if !replaced[r.Name] {
			out = append(out, r)
		}
	}
	return append(out, override...)
}

// metricsHistory is the document written by monitor --save.
type metricsHistory struct {
	SavedAt    time.Time                           `json:"saved_at"`
	Containers map[string][]domain.TelemetrySample `json:"containers"`
}

func saveHistory(path string, snapshot map[string][]domain.TelemetrySample, now time.Time) error {
	data, err := json.MarshalIndent(metricsHistory{SavedAt: now, Containers: snapshot}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// =============================================================================
// container
// =============================================================================

var operationDone = map[docker.Operation]string{
	docker.OpStart:   "started",
	docker.OpStop:    "stopped",
	docker.OpRestart: "restarted",
	docker.OpRemove:  "removed",
	docker.OpPause:   "paused",
	docker.OpUnpause: "unpaused",
}

func runContainer(ctx context.Context, app *App, args []string) error {
	if len(args) == 0 {
		return usageError("container", errors.New("expected an operation: start, stop, restart, remove, pause, unpause, logs, inspect or list"))
	}
	switch args[0] {
	case "list":
		return runContainerList(ctx, app, args[1:])
	case "logs":
		return runContainerLogs(ctx, app, args[1:])
	case "inspect":
		return runContainerInspect(ctx, app, args[1:])
	}

	op, err := docker.ParseOperation(args[0])
	if err != nil {
		return usageError("container", err)
	}
	if len(args) != 2 {
		return usageError("container", fmt.Errorf("%s expects exactly one container name", op))
	}
	name := args[1]

	engine, err := app.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := docker.Apply(ctx, engine, op, name); err != nil {
		return &CommandError{Op: "container " + string(op), Err: err, ExitCode: ExitDockerError}
	}
	fmt.Fprintf(app.stdout, "Container %s %s\n", name, operationDone[op])
	return nil
}

// containerView is the JSON form of a listed container.
type containerView struct {
	Name    string            `json:"name"`
	ID      string            `json:"id"`
	Image   string            `json:"image"`
	Status  string            `json:"status"`
	Ports   map[string]string `json:"ports,omitempty"`
	Created time.Time         `json:"created"`
}

func runContainerList(ctx context.Context, app *App, args []string) error {
	fs := app.flags("container list")
	all := fs.Bool("all", false, "Show stopped containers too")
	format := fs.String("format", "table", "Output format: table or json")
	if _, err := parseInterspersed(fs, args); err != nil {
		return usageError("container list", err)
	}
	if *format != "table" && *format != "json" {
		return usageError("container list", fmt.Errorf("unknown format %q", *format))
	}

	engine, err := app.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	containers, err := engine.ListContainers(ctx, docker.ListOptions{All: *all})
	if err != nil {
		return &CommandError{Op: "container list", Err: err, ExitCode: ExitDockerError}
	}
	sortContainers(containers)

	if *format == "json" {
		views := make([]containerView, 0, len(containers))
		for _, c := range containers {
			views = append(views, containerView{
				Name:    c.Name,
				ID:      shortID(c.ID),
				Image:   c.Image,
				Status:  string(c.Status),
				Ports:   c.PortMapping(),
				Created: c.CreatedAt,
			})
		}
		enc := json.NewEncoder(app.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	if len(containers) == 0 {
		fmt.Fprintln(app.stdout, "No containers found")
		return nil
	}
	return renderContainers(app.stdout, containers, app.clock())
}

func runContainerLogs(ctx context.Context, app *App, args []string) error {
	fs := app.flags("container logs")
	tail := fs.String("tail", "50", "Number of lines from the end, or all")
	names, err := parseInterspersed(fs, args)
	if err != nil {
		return usageError("container logs", err)
	}
	if len(names) != 1 {
		return usageError("container logs", errors.New("expected exactly one container name"))
	}

	engine, err := app.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	logs, err := engine.ContainerLogs(ctx, names[0], docker.LogOptions{Tail: *tail})
	if err != nil {
		return &CommandError{Op: "container logs", Err: err, ExitCode: ExitDockerError}
	}
	fmt.Fprint(app.stdout, logs)
	return nil
}

// inspectView is the JSON form of an inspected container.
type inspectView struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    string            `json:"status"`
	ExitCode  int               `json:"exit_code"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	Ports     map[string]string `json:"ports,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

func runContainerInspect(ctx context.Context, app *App, args []string) error {
	names, err := parseInterspersed(app.flags("container inspect"), args)
	if err != nil {
		return usageError("container inspect", err)
	}
	if len(names) != 1 {
		return usageError("container inspect", errors.New("expected exactly one container name"))
	}

	engine, err := app.engine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	info, err := engine.InspectContainer(ctx, names[0])
	if err != nil {
		return &CommandError{Op: "container inspect", Err: err, ExitCode: ExitDockerError}
	}

	enc := json.NewEncoder(app.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(inspectView{
		ID:        info.ID,
		Name:      info.Name,
		Image:     info.Image,
		Status:    string(info.Status),
		ExitCode:  info.ExitCode,
		CreatedAt: info.CreatedAt,
		StartedAt: info.StartedAt,
		Ports:     info.PortMapping(),
		Labels:    info.Labels,
	})
}

// =============================================================================
// init
// =============================================================================

func runInit(_ context.Context, app *App, args []string) error {
	fs := app.flags("init")
	force := fs.Bool("force", false, "Overwrite an existing file")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return usageError("init", err)
	}

	path := "deployment.yml"
	switch len(positional) {
	case 0:
	case 1:
		path = positional[0]
	default:
		return usageError("init", errors.New("expected at most one output file"))
	}

	if !*force {
		if _, err := os.Stat(path); err == nil {
			return usageError("init", fmt.Errorf("%s already exists, use --force to overwrite", path))
		}
	}

	data, err := domain.MarshalDeploymentFile(domain.DefaultDeploymentFile())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &CommandError{Op: "init", Err: err, ExitCode: ExitConfigError}
	}
	fmt.Fprintf(app.stdout, "Deployment template written to %s\n", path)
	return nil
}

// =============================================================================
// serve / version
// =============================================================================

func runServe(ctx context.Context, app *App, args []string) error {
	if _, err := parseInterspersed(app.flags("serve"), args); err != nil {
		return usageError("serve", err)
	}

	server, err := NewServer(ctx, app)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func runVersion(_ context.Context, app *App, _ []string) error {
	fmt.Fprintf(app.stdout, "dockpilot %s (built %s)\n", Version, BuildTime)
	return nil
}
