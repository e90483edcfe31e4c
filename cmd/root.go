package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/compose"
	"github.com/nextlevelbuilder/clawmem/internal/compress"
	"github.com/nextlevelbuilder/clawmem/internal/config"
	"github.com/nextlevelbuilder/clawmem/internal/layout"
	"github.com/nextlevelbuilder/clawmem/internal/locks"
	"github.com/nextlevelbuilder/clawmem/internal/manifest"
	"github.com/nextlevelbuilder/clawmem/internal/registrar"
	"github.com/nextlevelbuilder/clawmem/internal/summarize"
	"github.com/nextlevelbuilder/clawmem/internal/tracing"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
	"github.com/nextlevelbuilder/clawmem/internal/version"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/clawmem/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:           "clawmem",
	Short:         "Conversation memory engine for agent coding sessions",
	Long:          "clawmem registers agent session transcripts, compresses them into budget-sized versions with keepit preservation, and composes multi-session contexts for new sessions.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CLAWMEM_CONFIG or <memory-root>/config.json5)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable JSON output")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(unregisterCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(keepitCmd())
	rootCmd.AddCommand(deltaCmd())
	rootCmd.AddCommand(compressCmd())
	rootCmd.AddCommand(versionsCmd())
	rootCmd.AddCommand(composeCmd())
	rootCmd.AddCommand(compositionsCmd())
	rootCmd.AddCommand(markUsedCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawmem %s (manifest schema %s, %s)\n", Version, manifest.SchemaVersion, runtime.Version())
		},
	}
}

// app is the wired-up engine shared by every command.
type app struct {
	cfg       *config.Config
	layout    layout.Layout
	store     *manifest.Store
	locks     *locks.SessionLocks
	parser    transcript.Parser
	engine    *compress.Engine
	planner   *compose.Planner
	registrar *registrar.Registrar
	versions  *version.Registry
	shutdown  func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	setupLogging(level)

	shutdown, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	lay := layout.New(cfg.MemoryRoot)
	store := manifest.NewStore(lay)
	sl := locks.NewSessionLocks()
	parser := transcript.NewFileParser()
	summarizer := summarize.NewCLI(summarize.CLIOptions{
		Binary:         cfg.Summarizer.Binary,
		Deadline:       cfg.SummarizerDeadline(),
		CallsPerMinute: cfg.Summarizer.CallsPerMinute,
	})
	engine := compress.New(store, sl, parser, summarizer)

	return &app{
		cfg:       cfg,
		layout:    lay,
		store:     store,
		locks:     sl,
		parser:    parser,
		engine:    engine,
		planner:   compose.NewPlanner(store, sl, parser, engine),
		registrar: registrar.New(store, parser),
		versions:  version.NewRegistry(store),
		shutdown:  shutdown,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.shutdown(ctx); err != nil {
		slog.Warn("trace shutdown failed", "error", err)
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
