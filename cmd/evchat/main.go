// Evchat is a conversational assistant for EV charging customers.
//
// It answers questions about a user's charging history from the charging
// database, books charging sessions, and answers general EV questions from
// a document knowledge base. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	evchat serve                         Start the API server
//	evchat init [dir]                    Write a starter config.yaml
//	evchat ask <user_id> <question>      Run one turn for a user
//	evchat ingest [path]                 Load documents into the knowledge base
//	evchat history [user_id]             Print a user's conversation
//	evchat history -clear <user_id>      Delete a user's conversation
//	evchat usage [window]                Summarize recorded turns
//	evchat version                       Print version and build information
//	evchat -o json version               Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/evchat/internal/api"
	"github.com/nugget/evchat/internal/buildinfo"
	"github.com/nugget/evchat/internal/config"
	"github.com/nugget/evchat/internal/connwatch"
	"github.com/nugget/evchat/internal/knowledge"
	"github.com/nugget/evchat/internal/llm"
	"github.com/nugget/evchat/internal/mqtt"
	"github.com/nugget/evchat/internal/tracing"
	"github.com/nugget/evchat/internal/voice"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so run can be
// called concurrently from tests without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: evchat ask <user_id> <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "ingest":
		path := ""
		if len(cmdArgs) > 0 {
			path = cmdArgs[0]
		}
		return runIngest(ctx, stdout, stderr, configPath, path)
	case "history":
		return runHistory(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "usage":
		return runUsage(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "evchat - EV charging assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: evchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the API server")
	fmt.Fprintln(w, "  init [dir]                 Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <user_id> <question>   Run one conversational turn")
	fmt.Fprintln(w, "  ingest [path]              Load documents into the knowledge base")
	fmt.Fprintln(w, "  history [user_id]          List users, or print one user's history")
	fmt.Fprintln(w, "  history -clear <user_id>   Delete a user's history")
	fmt.Fprintln(w, "  usage [window]             Summarize turns in the window (default: 24h)")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk runs one turn against the configured database and model and
// prints the reply. The turn is persisted like any other.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, userID, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := configLogger(stderr, cfg)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.loop.Process(ctx, userID, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(stdout, res.Reply)
	return nil
}

// runIngest loads a file or directory into the knowledge base. With no
// path it ingests knowledge.docs_dir.
func runIngest(ctx context.Context, stdout, stderr io.Writer, configPath, path string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := configLogger(stderr, cfg)
	if err != nil {
		return err
	}
	if path == "" {
		path = cfg.Knowledge.DocsDir
	}

	kb, err := openKnowledge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kb.db.Close()

	splitter := knowledge.Splitter{Size: cfg.Knowledge.ChunkSize, Overlap: cfg.Knowledge.ChunkOverlap}
	ingester := knowledge.NewIngester(kb.store, kb.embedder, splitter, logger)

	logger.Info("ingesting documents", "path", path)
	st, err := ingester.IngestPath(ctx, path)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}

	total, err := kb.store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Ingested %d chunks from %d files (%d skipped); knowledge base holds %d chunks\n",
		st.Chunks, st.Files, st.Skipped, total)
	return nil
}

// runHistory lists users with a history, prints one user's messages, or
// clears them with -clear.
func runHistory(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	clearHistory := false
	var userID string
	for _, a := range args {
		switch {
		case a == "-clear" || a == "--clear":
			clearHistory = true
		case userID == "":
			userID = a
		default:
			return fmt.Errorf("usage: evchat history [-clear] [user_id]")
		}
	}
	if clearHistory && userID == "" {
		return fmt.Errorf("usage: evchat history -clear <user_id>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, store, err := openHistory(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer db.Close()

	switch {
	case clearHistory:
		// A server sharing the database may be mid-turn for userID; the
		// store refuses the tool results that turn would leave orphaned.
		if err := store.Clear(ctx, userID); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Cleared history for %s\n", userID)
		return nil

	case userID == "":
		users, err := store.Users(ctx)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return json.NewEncoder(stdout).Encode(users)
		}
		for _, u := range users {
			fmt.Fprintln(stdout, u)
		}
		return nil
	}

	msgs, err := store.History(ctx, userID)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}
	for _, m := range msgs {
		fmt.Fprintln(stdout, formatMessage(m))
	}
	return nil
}

// formatMessage renders one message on a line for the history command.
func formatMessage(m llm.Message) string {
	switch m.Kind() {
	case llm.KindToolRequest:
		calls := make([]string, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, fmt.Sprintf("%s(%s)", tc.Function.Name, tc.Function.Arguments))
		}
		return "[tool_request] " + strings.Join(calls, ", ")
	case llm.KindToolResult:
		return fmt.Sprintf("[tool_result %s] %s", m.ToolCallID, content(m))
	default:
		return fmt.Sprintf("[%s] %s", m.Kind(), content(m))
	}
}

func content(m llm.Message) string {
	return m.Content
}

// runServe starts the API server and blocks until SIGINT or SIGTERM.
//
// Shutdown order: the API drains in-flight turns, the MQTT publisher
// announces "offline", watchers stop, then tracing flushes and the
// databases close via defers.
func runServe(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := configLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting evchat", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, buildinfo.Version)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	// MQTT is optional; without a broker reservations are not announced.
	daily := mqtt.NewDailyUsage(time.Local)
	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		clientID := mqtt.ClientID(cfg.MQTT.ClientID, instanceID)
		publisher = mqtt.New(cfg.MQTT, clientID, daily, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		logger.Info("mqtt publisher configured", "broker", cfg.MQTT.Broker, "client_id", clientID)
	}

	var notifier reservationNotifier
	if publisher != nil {
		notifier = publisher
	}
	a, err := buildApp(ctx, cfg, notifier, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:     "database",
		Critical: true,
		Probe:    a.db.PingContext,
	})
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:     "model",
		Critical: true,
		Probe:    a.llm.Ping,
	})
	if publisher != nil {
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: publisher.AwaitConnection,
		})
	}
	if a.knowledge != nil {
		kb := a.knowledge
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name: "knowledge",
			Probe: func(ctx context.Context) error {
				n, err := kb.store.Count(ctx)
				if err == nil && n == 0 {
					return fmt.Errorf("knowledge base is empty; run evchat ingest")
				}
				return err
			},
		})
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.history, logger)
	server.SetReservations(a.charging)
	server.SetHealth(watch)
	server.SetUsage(daily)
	server.SetLedger(a.usage)
	server.SetRateLimit(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	if cfg.Voice.Enabled {
		server.SetVoice(voice.New(a.openai, voice.Config{
			STTModel: cfg.Voice.STTModel,
			TTSModel: cfg.Voice.TTSModel,
			Voice:    cfg.Voice.Voice,
		}, logger))
		logger.Info("voice enabled", "stt", cfg.Voice.STTModel, "tts", cfg.Voice.TTSModel)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		if publisher != nil {
			if err := publisher.Stop(drainCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("evchat stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configLogger builds the logger described by cfg.
func configLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return newLogger(w, level, cfg.LogFormat), nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
