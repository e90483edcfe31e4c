package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/version"
)

func versionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and manage compressed versions of a session",
	}
	cmd.AddCommand(versionsListCmd())
	cmd.AddCommand(versionsShowCmd())
	cmd.AddCommand(versionsDeleteCmd())
	return cmd
}

func versionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project> <session-id>",
		Short: "List versions, original first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			infos, err := a.versions.List(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(infos)
			}

			fmt.Printf("%-10s %5s %-10s %9s %9s %7s %s\n",
				"VERSION", "PART", "LEVEL", "TOKENS", "MESSAGES", "RATIO", "CREATED")
			for _, v := range infos {
				level := string(v.CompressionLevel)
				if v.IsOriginal {
					level = "-"
				}
				note := ""
				if v.Missing {
					note = "  (files missing)"
				}
				ratio := "-"
				if v.CompressionRatio > 0 {
					ratio = fmt.Sprintf("%.1f:1", v.CompressionRatio)
				}
				fmt.Printf("%-10s %5d %-10s %9d %9d %7s %s%s\n",
					v.VersionID, v.PartNumber, level, v.Tokens, v.Messages, ratio,
					v.CreatedAt.Format("2006-01-02 15:04"), note)
			}
			return nil
		},
	}
}

func versionsShowCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <project> <session-id> <version-id>",
		Short: "Stream a version's content to stdout",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			rc, err := a.versions.Content(ctx, args[0], args[1], args[2], version.Format(format))
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(os.Stdout, rc)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "md", "artifact format: md | jsonl")
	return cmd
}

func versionsDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <project> <session-id> <version-id>",
		Short: "Delete a version and its files",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.versions.Delete(ctx, args[0], args[1], args[2], force); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[2])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even when compositions reference the version")
	return cmd
}
