package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/cache"
	"github.com/nextlevelbuilder/clawmem/internal/delta"
)

func sessionsCmd() *cobra.Command {
	var withStats bool

	cmd := &cobra.Command{
		Use:   "sessions <project>",
		Short: "List registered sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			entries, err := a.store.ListSessions(ctx, args[0])
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].SessionID < entries[j].SessionID
			})

			if jsonOut {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("no registered sessions")
				return nil
			}

			var stats *cache.StatsCache
			if withStats {
				stats, err = cache.Open(filepath.Join(a.layout.CacheDir(), "stats.db"))
				if err != nil {
					return err
				}
				defer stats.Close()
			}

			fmt.Printf("%-40s %9s %9s %9s %s\n", "SESSION", "MESSAGES", "TOKENS", "VERSIONS", "REGISTERED")
			for _, e := range entries {
				messages, tokens := e.OriginalMessages, e.OriginalTokens
				if stats != nil {
					// Live numbers from the linked file, cached by size+mtime.
					if st, err := stats.StatsFor(a.parser, e.LinkedFile); err == nil {
						messages, tokens = st.Messages, st.Tokens
					}
				}
				fmt.Printf("%-40s %9d %9d %9d %s\n",
					e.SessionID, messages, tokens, len(e.Compressions),
					e.RegisteredAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withStats, "stats", false, "re-read message/token counts from the live transcript")
	return cmd
}

func deltaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delta <project> <session-id>",
		Short: "Show which messages a new compression would cover",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			sess, err := a.store.GetSession(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			tr, err := a.parser.Parse(a.layout.OriginalPath(args[0], args[1]))
			if err != nil {
				return err
			}

			d := delta.Detect(tr, sess.Compressions)
			if jsonOut {
				return printJSON(d)
			}
			if !d.HasDelta {
				fmt.Println("no uncompressed messages")
				return nil
			}
			if d.IsFirstPart {
				fmt.Printf("%d messages pending, full session [%d, %d)\n",
					d.DeltaCount, d.StartIndex, d.EndIndex)
			} else {
				fmt.Printf("%d messages pending, [%d, %d) after part %d\n",
					d.DeltaCount, d.StartIndex, d.EndIndex, d.PreviousPartNumber)
			}
			return nil
		},
	}
}
