package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/locks"
	"github.com/nextlevelbuilder/clawmem/internal/registrar"
)

func registerCmd() *cobra.Command {
	var forceCopy bool

	cmd := &cobra.Command{
		Use:   "register <project> <session-id> <transcript.jsonl>",
		Short: "Register a session transcript with the engine",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			entry, err := a.registrar.Register(ctx, args[0], args[1], registrar.RegisterOptions{
				OriginalFilePath: args[2],
				ForceCopy:        forceCopy,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(entry)
			}
			fmt.Printf("registered %s: %d messages, ~%d tokens, %d keepit markers (%s)\n",
				entry.SessionID, entry.OriginalMessages, entry.OriginalTokens,
				len(entry.KeepitMarkers), entry.LinkType)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forceCopy, "copy", false, "copy the transcript instead of symlinking")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <project> <session-id>",
		Short: "Re-read a registered transcript and update counts and markers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			entry, err := a.registrar.Refresh(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(entry)
			}
			fmt.Printf("refreshed %s: %d messages, ~%d tokens, %d keepit markers\n",
				entry.SessionID, entry.OriginalMessages, entry.OriginalTokens, len(entry.KeepitMarkers))
			return nil
		},
	}
}

func unregisterCmd() *cobra.Command {
	var removeSummaries bool

	cmd := &cobra.Command{
		Use:   "unregister <project> <session-id>",
		Short: "Remove a session from the manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.registrar.Unregister(ctx, args[0], args[1], removeSummaries); err != nil {
				return err
			}
			fmt.Printf("unregistered %s\n", args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&removeSummaries, "remove-summaries", false, "also delete compressed versions on disk")
	return cmd
}

func watchCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "watch <project>",
		Short: "Auto-register new transcripts as the agent writes them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			watchDir := dir
			if watchDir == "" {
				watchDir = a.cfg.TranscriptsDir
			}

			if a.cfg.Sweep.Enabled {
				sweeper, err := locks.NewSweeper(a.locks, a.cfg.Sweep.Schedule)
				if err != nil {
					return err
				}
				go sweeper.Run(ctx)
			}

			fmt.Printf("watching %s for project %s (ctrl-c to stop)\n", watchDir, args[0])
			w := registrar.NewWatcher(a.registrar, args[0], watchDir)
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "transcripts directory (default from config)")
	return cmd
}
