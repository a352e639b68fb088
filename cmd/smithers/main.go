// Command smithers is the orchestration engine's CLI: it runs scripts,
// serves the external-control surface, and inspects a database file. The
// subcommand dispatch below follows the same flag.NewFlagSet-per-command
// shape as slctl.
package main

import (
	"archive/zip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/smithers-ai/smithers/internal/approvals"
	"github.com/smithers-ai/smithers/internal/artifacts"
	"github.com/smithers-ai/smithers/internal/backend"
	"github.com/smithers-ai/smithers/internal/backend/claudeapi"
	"github.com/smithers-ai/smithers/internal/backend/workspace"
	"github.com/smithers-ai/smithers/internal/config"
	"github.com/smithers-ai/smithers/internal/control/httptransport"
	"github.com/smithers-ai/smithers/internal/control/rpc"
	"github.com/smithers-ai/smithers/internal/control/stdio"
	"github.com/smithers-ai/smithers/internal/engine"
	"github.com/smithers-ai/smithers/internal/identity"
	"github.com/smithers-ai/smithers/internal/logging"
	"github.com/smithers-ai/smithers/internal/metrics"
	"github.com/smithers-ai/smithers/internal/purity"
	"github.com/smithers-ai/smithers/internal/repo"
	"github.com/smithers-ai/smithers/internal/scriptloader"
	"github.com/smithers-ai/smithers/internal/serialize"
	"github.com/smithers-ai/smithers/internal/store"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return errors.New("no command specified")
	}

	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:])
	case "serve":
		return cmdServe(ctx, args[1:])
	case "list":
		return cmdList(args[1:])
	case "inspect":
		return cmdInspect(args[1:])
	case "db":
		return cmdDB(args[1:])
	case "logs":
		return cmdLogs(ctx, args[1:])
	case "export":
		return cmdExport(args[1:])
	case "validate":
		return cmdValidate(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println(`smithers - durable orchestration engine for multi-agent AI workflows

Usage:
  smithers <command> [flags]

Commands:
  run <script>        Run a script to quiescence
  serve                Start the external-control server
  list                 List recent executions
  inspect <id>         Show per-execution detail
  db state|transitions|frames   Inspect persisted tables
  logs <id>            View execution logs
  export <id>          Export an execution for offline analysis
  validate <script>    Render frame 0 against empty state and report warnings`)
}

// ---------------------------------------------------------------------
// run

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	wallClock := fs.Duration("max-wall-clock", 0, "Stop after this much wall-clock time")
	maxTokens := fs.Int("max-tokens", 0, "Stop after this many total tokens")
	maxFrames := fs.Int64("max-frames", 0, "Stop after this many frames")
	workdir := fs.String("workdir", ".", "Working directory guarded by ctx.FS")
	fsDebounce := fs.Duration("fs-debounce", workspace.DefaultDebounce, "Debounce window for ctx.FS change notifications")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("run requires a script path")
	}
	scriptPath := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	path := *dbFlag
	if path == "" {
		path = cfg.DBPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	component, err := scriptloader.Load(scriptPath)
	if err != nil {
		return err
	}

	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	executionID := cfg.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	r := repo.New(db)
	if err := r.CreateExecution(executionID, filepath.Base(scriptPath), scriptPath, "{}"); err != nil {
		return err
	}

	durable, err := store.NewDurable(db, executionID)
	if err != nil {
		return err
	}

	logger := logging.NewFromEnv("smithers")
	m := metrics.New()

	engineCfg := engine.DefaultConfig()
	engineCfg.Stop.WallClockMS = wallClock.Milliseconds()
	engineCfg.Stop.TotalTokens = *maxTokens
	engineCfg.Stop.MaxFrames = *maxFrames

	exec := backendFromEnv()
	watcher := workspace.NewWatcher(*fsDebounce, nil)

	eng := engine.New(db, durable, executionID, hostOwnerID(), component, engineCfg,
		engine.WithLogger(logger), engine.WithBackend(exec), engine.WithMetrics(m),
		engine.WithWorkspace(*workdir, watcher))

	if err := eng.RecoverOrphans(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	runErr := eng.Run(runCtx)
	status := "completed"
	if runErr != nil {
		status = "failed"
	}
	if err := r.FinishExecution(executionID, status, ""); err != nil {
		logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("failed to record execution completion")
	}
	fmt.Printf("execution %s finished: %s\n", executionID, status)
	return runErr
}

func hostOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "smithers-" + uuid.NewString()
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// backendFromEnv wires the Claude Messages API backend when an API key is
// present; otherwise it returns an executor that fails every call with a
// "no backend configured" error, so only scripts with no agent nodes run.
func backendFromEnv() backend.Executor {
	key := config.Getenv("ANTHROPIC_API_KEY", "")
	if key == "" {
		return backend.ExecutorFunc(func(ctx context.Context, req backend.Request) (<-chan backend.StreamItem, error) {
			return nil, errors.New("no backend configured: set ANTHROPIC_API_KEY")
		})
	}
	return backend.NewResilient(claudeapi.New(key))
}

// ---------------------------------------------------------------------
// serve

func cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	host := fs.String("host", "127.0.0.1", "Bind host (must be loopback)")
	port := fs.Int("port", 8787, "Bind port")
	token := fs.String("token", "", "Pre-shared bearer token")
	stdioMode := fs.Bool("stdio", false, "Serve JSON-RPC over stdio instead of HTTP")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *dbFlag
	if path == "" {
		path = config.DBPathOrDefault(config.Getenv("SMITHERS_DB_PATH", ""), ".smithers/db.sqlite")
	}
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	logger := logging.NewFromEnv("smithers")
	disp := rpc.New(*token)

	if *stdioMode {
		return stdio.Serve(os.Stdin, os.Stdout, disp, logger)
	}

	srv, err := httptransport.New(httptransport.Config{Host: *host, Port: *port}, disp, metrics.New(), logger)
	if err != nil {
		return err
	}
	fmt.Printf("smithers control server listening on %s\n", srv.Addr())
	return srv.ListenAndServe()
}

// ---------------------------------------------------------------------
// list / inspect / db / logs / export

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	limit := fs.Int("limit", 20, "Max executions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, closeFn, err := openRepo(*dbFlag)
	if err != nil {
		return err
	}
	defer closeFn()

	rows, err := r.ListExecutions(*limit)
	if err != nil {
		return err
	}
	fmt.Printf("%-36s  %-20s  %-10s  %s\n", "ID", "NAME", "STATUS", "CREATED_AT")
	for _, row := range rows {
		fmt.Printf("%-36s  %-20s  %-10s  %s\n", row.ID, truncate(row.Name, 20), row.Status, row.CreatedAt)
	}
	return nil
}

func cmdInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("inspect requires an execution id or prefix")
	}
	r, closeFn, err := openRepo(*dbFlag)
	if err != nil {
		return err
	}
	defer closeFn()

	row, err := r.GetExecution(fs.Arg(0))
	if err != nil {
		return err
	}
	printJSON(row)
	tasks, err := r.ListTasks(row.ID)
	if err == nil {
		fmt.Println("recent tasks:")
		printJSON(tasks)
	}
	return nil
}

func cmdDB(args []string) error {
	if len(args) < 1 {
		return errors.New("db requires a subcommand: state, transitions, or frames")
	}
	switch args[0] {
	case "state":
		return dbState(args[1:])
	case "transitions":
		return dbTransitions(args[1:])
	case "frames":
		return dbFrames(args[1:])
	default:
		return fmt.Errorf("unknown db subcommand %q", args[0])
	}
}

func dbState(args []string) error {
	fs := flag.NewFlagSet("db state", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	path := fs.String("path", "", "Comma-separated gjson path(s) to pull out of the state blob instead of printing it whole")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("db state requires an execution id")
	}
	r, closeFn, err := openRepo(*dbFlag)
	if err != nil {
		return err
	}
	defer closeFn()
	state, err := r.State(fs.Arg(0))
	if err != nil {
		return err
	}
	if *path == "" {
		printJSON(state)
		return nil
	}

	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for path query: %w", err)
	}
	paths := strings.Split(*path, ",")
	if len(paths) == 1 {
		fmt.Println(serialize.QueryState(string(blob), paths[0]).String())
		return nil
	}
	results := serialize.QueryStateMany(string(blob), paths...)
	out := make(map[string]string, len(paths))
	for i, p := range paths {
		out[p] = results[i].String()
	}
	printJSON(out)
	return nil
}

func dbTransitions(args []string) error {
	fs := flag.NewFlagSet("db transitions", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	last := fs.Int("last", 20, "Number of transitions to show")
	fs.IntVar(last, "n", 20, "Number of transitions to show (shorthand)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("db transitions requires an execution id")
	}
	r, closeFn, err := openRepo(*dbFlag)
	if err != nil {
		return err
	}
	defer closeFn()
	rows, err := r.ListTransitions(fs.Arg(0), *last)
	if err != nil {
		return err
	}
	printJSON(rows)
	return nil
}

func dbFrames(args []string) error {
	fs := flag.NewFlagSet("db frames", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	from := fs.Int64("from", 0, "Start sequence number")
	to := fs.Int64("to", 999999, "End sequence number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("db frames requires an execution id")
	}
	r, closeFn, err := openRepo(*dbFlag)
	if err != nil {
		return err
	}
	defer closeFn()
	rows, err := r.ListFrames(fs.Arg(0), *from, *to)
	if err != nil {
		return err
	}
	printJSON(rows)
	return nil
}

func cmdLogs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	follow := fs.Bool("follow", false, "Live tail logs")
	fs.BoolVar(follow, "f", false, "Live tail logs (shorthand)")
	level := fs.String("level", "info", "Minimum log level")
	fs.StringVar(level, "l", "info", "Minimum log level (shorthand)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("logs requires an execution id")
	}
	r, closeFn, err := openRepo(*dbFlag)
	if err != nil {
		return err
	}
	defer closeFn()

	executionID := fs.Arg(0)
	sinceID := int64(0)
	for {
		events, err := r.ListEvents(executionID, sinceID, 200)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if !levelAllowed(ev.Kind, *level) {
				continue
			}
			fmt.Printf("[%s] %s %s\n", ev.CreatedAt, ev.Kind, nullString(ev.PayloadJSON))
			sinceID = ev.ID
		}
		if !*follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func levelAllowed(kind, minLevel string) bool {
	rank := map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}
	kindRank, ok := rank[strings.ToLower(strings.TrimPrefix(kind, "log."))]
	if !ok {
		return true
	}
	return kindRank >= rank[strings.ToLower(minLevel)]
}

func cmdExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dbFlag := fs.String("db", "", "Path to SQLite database")
	output := fs.String("output", "", "Output zip path (default <id>.zip)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("export requires an execution id")
	}
	r, closeFn, err := openRepo(*dbFlag)
	if err != nil {
		return err
	}
	defer closeFn()

	executionID := fs.Arg(0)
	out := *output
	if out == "" {
		out = executionID + ".zip"
	}
	return exportZip(r, executionID, out)
}

// ---------------------------------------------------------------------
// validate

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("validate requires a script path")
	}
	component, err := scriptloader.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	volatile := store.NewVolatile()
	tracker := purity.NewTracker()
	guarded := purity.NewGuardedStore(volatile, tracker)

	renderCtx := engine.NewValidationContext(guarded, approvals.New(), artifacts.New())
	var renderErr error
	var warnings []identity.Warning
	tracker.RunAsPhase(purity.PhaseRender, func() {
		defer func() {
			if r := recover(); r != nil {
				renderErr = fmt.Errorf("script panicked during render: %v", r)
			}
		}()
		_, warnings = identity.AssignTree(component(renderCtx))
	})
	if renderErr != nil {
		fmt.Println("FAIL:", renderErr)
		return renderErr
	}
	for _, w := range warnings {
		fmt.Println("WARN:", w.NodeID, w.Message)
	}
	fmt.Println("OK: frame 0 rendered without a render-purity violation")
	return nil
}

// ---------------------------------------------------------------------
// shared helpers

func openRepo(dbFlag string) (*repo.Repo, func(), error) {
	path := dbFlag
	if path == "" {
		path = config.DBPathOrDefault(config.Getenv("SMITHERS_DB_PATH", ""), ".smithers/db.sqlite")
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return repo.New(db), func() { _ = db.Close() }, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func nullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

// exportZip writes the execution row and its frames, tasks, events,
// transitions and durable state into a zip archive, one JSON file each, for
// the "export" subcommand. Agents, tool calls, artifacts, approvals and the
// effects audit table are not exported.
func exportZip(r *repo.Repo, executionID, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create export archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	execution, err := r.GetExecution(executionID)
	if err != nil {
		return err
	}
	frames, err := r.ListFrames(executionID, 0, 1<<62)
	if err != nil {
		return err
	}
	tasks, err := r.ListTasks(executionID)
	if err != nil {
		return err
	}
	events, err := r.ListEvents(executionID, 0, 1<<30)
	if err != nil {
		return err
	}
	transitions, err := r.ListTransitions(executionID, 1<<30)
	if err != nil {
		return err
	}
	state, err := r.State(executionID)
	if err != nil {
		return err
	}

	tables := map[string]any{
		"executions.json":  execution,
		"frames.json":      frames,
		"tasks.json":       tasks,
		"events.json":      events,
		"transitions.json": transitions,
		"state.json":       state,
	}
	for name, data := range tables {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return err
		}
	}
	return zw.Close()
}
