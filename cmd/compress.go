package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
)

func compressCmd() *cobra.Command {
	var (
		ratio          float64
		preset         string
		aggressiveness string
		keepitMode     string
		skipFirst      int
		distance       int
		model          string
	)

	cmd := &cobra.Command{
		Use:   "compress <project> <session-id>",
		Short: "Compress the uncompressed tail of a session into a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			settings := manifest.CompressionSettings{
				Model:             model,
				SkipFirstMessages: skipFirst,
				KeepitMode:        manifest.KeepitMode(keepitMode),
				SessionDistance:   distance,
			}
			if preset != "" {
				settings.Mode = manifest.ModeTiered
				settings.TierPreset = preset
			} else {
				settings.Mode = manifest.ModeUniform
				settings.CompactionRatio = ratio
				settings.Aggressiveness = manifest.Aggressiveness(aggressiveness)
			}

			rec, err := a.engine.Compress(ctx, args[0], args[1], settings)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(rec)
			}
			fmt.Printf("%s part %d (%s): %d -> %d messages, %d -> %d tokens (%.1f:1)\n",
				rec.VersionID, rec.PartNumber, rec.CompressionLevel,
				rec.InputMessages, rec.OutputMessages,
				rec.InputTokens, rec.OutputTokens, rec.CompressionRatio)
			if rec.KeepitStats.Preserved+rec.KeepitStats.Summarized > 0 {
				fmt.Printf("keepit: %d preserved, %d summarized\n",
					rec.KeepitStats.Preserved, rec.KeepitStats.Summarized)
			}
			fmt.Printf("wrote %s.{md,jsonl}\n", rec.File)
			return nil
		},
	}

	cmd.Flags().Float64Var(&ratio, "ratio", 10, "uniform compaction ratio (0 = pass-through, 1 = verbosity reduction)")
	cmd.Flags().StringVar(&preset, "preset", "", "tiered preset: gentle | standard | aggressive (overrides --ratio)")
	cmd.Flags().StringVar(&aggressiveness, "aggressiveness", "moderate", "uniform summarization strength: minimal | moderate | aggressive")
	cmd.Flags().StringVar(&keepitMode, "keepit", "decay", "marker handling: preserve-all | decay | ignore")
	cmd.Flags().IntVar(&skipFirst, "skip-first", 0, "carry the first N messages verbatim (first part only)")
	cmd.Flags().IntVar(&distance, "distance", 0, "session distance for keepit decay")
	cmd.Flags().StringVar(&model, "model", "", "summarizer model override")
	return cmd
}
