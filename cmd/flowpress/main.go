package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ravi-parthasarathy/flowpress/pkg/config"
	"github.com/ravi-parthasarathy/flowpress/pkg/expr"
	"github.com/ravi-parthasarathy/flowpress/pkg/llm"
	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/flowpress/pkg/tools"

	// Register all LLM providers via their init() functions.
	_ "github.com/ravi-parthasarathy/flowpress/pkg/llm/providers"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli holds the state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string
	cfg        *config.Config
}

func rootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "flowpress",
		Short: "flowpress: content pipeline engine",
		Long: `flowpress runs content pipelines: directed graphs of tool, condition,
parallel, approval, transform, delay and subflow nodes.

Pipelines are defined in JSON, YAML or Graphviz DOT. Use "run" for a single
pipeline from the terminal and "serve" for the HTTP API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default ./"+config.DefaultFile+" when present)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(runCmd(c))
	root.AddCommand(lintCmd())
	root.AddCommand(graphCmd())
	root.AddCommand(serveCmd(c))
	return root
}

// setup loads the config, applies the logging flags and installs the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = c.logFormat
	}
	c.cfg = cfg
	return initLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
}

// initLogger installs the default slog logger.
func initLogger(level, format string, w io.Writer) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q: use debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q: use text or json", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// buildEngine wires the built-in tools and handlers from cfg.
func buildEngine(cfg *config.Config) (*pipeline.Engine, error) {
	client, err := llm.NewClient(cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}
	toolReg := tools.NewBuiltinRegistry(tools.BuiltinOptions{
		Workdir:     cfg.Tools.Workdir,
		LLM:         client,
		MaxTokens:   cfg.LLM.MaxTokens,
		HTTPTimeout: cfg.Tools.HTTPTimeout,
		RateLimit:   rate.Limit(cfg.Tools.RateLimitPerSecond),
		Burst:       cfg.Tools.Burst,
	})
	return pipeline.NewEngine(handlers.NewDefaultRegistry(), toolReg,
		pipeline.WithLogger(slog.Default()),
		pipeline.WithEvaluator(expr.New(expr.WithTimeout(cfg.Engine.ExpressionTimeout))),
		pipeline.WithMaxSubflowDepth(cfg.Engine.MaxSubflowDepth),
	), nil
}

// registerDir registers every definition in dir. A missing dir is not an error.
func registerDir(cat *pipeline.Catalog, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	defs, err := pipeline.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := cat.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
