package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/config"
)

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively write a config file under the memory root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()

			callsPerMinute := "0"
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Memory root").
						Description("Where manifests, originals, and summaries live.").
						Value(&cfg.MemoryRoot),
					huh.NewInput().
						Title("Transcripts directory").
						Description("Where the agent writes session transcripts.").
						Value(&cfg.TranscriptsDir),
					huh.NewInput().
						Title("Summarizer binary").
						Description("Agent CLI used for summarization, must be on PATH.").
						Value(&cfg.Summarizer.Binary),
					huh.NewInput().
						Title("Summarizer calls per minute").
						Description("0 disables throttling.").
						Validate(func(s string) error {
							n, err := strconv.Atoi(s)
							if err != nil || n < 0 {
								return fmt.Errorf("enter a non-negative integer")
							}
							return nil
						}).
						Value(&callsPerMinute),
					huh.NewSelect[string]().
						Title("Log level").
						Options(huh.NewOptions("info", "debug", "warn", "error")...).
						Value(&cfg.LogLevel),
					huh.NewConfirm().
						Title("Enable the stale-lock sweeper in watch mode?").
						Value(&cfg.Sweep.Enabled),
				),
			)
			if err := form.Run(); err != nil {
				return err
			}
			cfg.Summarizer.CallsPerMinute, _ = strconv.Atoi(callsPerMinute)

			path := filepath.Join(cfg.MemoryRoot, "config.json5")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(cfg.MemoryRoot, 0o755); err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
