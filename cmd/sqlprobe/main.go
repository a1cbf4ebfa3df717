package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/sqlprobe/internal/agent"
	"github.com/pavelanni/sqlprobe/internal/exam"
	"github.com/pavelanni/sqlprobe/internal/handler"
	"github.com/pavelanni/sqlprobe/internal/model"
	"github.com/pavelanni/sqlprobe/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sqlprobe",
		Short: "Adaptive SQL diagnostic dialogue server",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `sqlprobe --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the diagnostic HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "sqlprobe.db", "SQLite database path")
	f.String("agent-mode", "remote", "Agent backend (remote, local)")
	f.String("agent-api-key", "", "Static apikey header for remote workflow agents")
	f.Duration("agent-timeout", 30*time.Second, "Per-call timeout for remote agents")
	f.String("chat-agent-url", "", "Chat workflow execution URL")
	f.String("question-agent-url", "", "Question workflow execution URL")
	f.String("probe-agent-url", "", "Probe workflow execution URL")
	f.String("stabilizer-agent-url", "", "Stabilizer workflow execution URL")
	f.String("mcq-agent-url", "", "MCQ workflow execution URL")
	f.String("text-agent-url", "", "Text probe workflow execution URL")
	f.String("logger-agent-url", "", "Logger workflow execution URL")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL (local mode)")
	f.String("llm-key", "ollama", "API key for local LLM")
	f.String("llm-model", "llama3.2", "LLM model name (local mode)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export session turn logs as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "sqlprobe.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SQLPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("sqlprobe")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/sqlprobe")
	v.AddConfigPath("/etc/sqlprobe")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	agents, manager, err := buildAgents(v, db)
	if err != nil {
		return err
	}

	h := handler.New(manager, agents, db)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(handler.CORS)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"agent_mode", v.GetString("agent-mode"),
		"agent_timeout", v.GetDuration("agent-timeout"),
	)
	return http.ListenAndServe(addr, r)
}

// buildAgents wires the configured agent backend to a session manager. In
// local mode the manager doubles as the completion sink, so the two are
// built together.
func buildAgents(v *viper.Viper, db *store.Store) (agent.Agent, *exam.Manager, error) {
	switch mode := strings.ToLower(v.GetString("agent-mode")); mode {
	case "remote":
		client := agent.NewClient(
			v.GetString("agent-api-key"),
			agent.Endpoints{
				Chat:       v.GetString("chat-agent-url"),
				Question:   v.GetString("question-agent-url"),
				Probe:      v.GetString("probe-agent-url"),
				Stabilizer: v.GetString("stabilizer-agent-url"),
				MCQ:        v.GetString("mcq-agent-url"),
				Text:       v.GetString("text-agent-url"),
				Logger:     v.GetString("logger-agent-url"),
			},
			v.GetDuration("agent-timeout"),
		)
		return client, exam.NewManager(client, db), nil

	case "local":
		local := agent.NewLocal(
			v.GetString("llm-url"),
			v.GetString("llm-key"),
			v.GetString("llm-model"),
		)
		if err := local.Ping(context.Background()); err != nil {
			return nil, nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		manager := exam.NewManager(local, db)
		local.SetSink(manager)
		return local, manager, nil

	default:
		return nil, nil, fmt.Errorf("unknown agent-mode %q (want remote or local)", mode)
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sessions, err := db.ExportAllSessions()
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	export := model.Export{
		ExportedAt: time.Now().UTC(),
		Sessions:   sessions,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	return nil
}
