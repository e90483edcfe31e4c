package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/keepit"
)

func keepitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keepit",
		Short: "Manage preservation markers on registered sessions",
	}
	cmd.AddCommand(keepitListCmd())
	cmd.AddCommand(keepitAddCmd())
	cmd.AddCommand(keepitRemoveCmd())
	cmd.AddCommand(keepitReweightCmd())
	cmd.AddCommand(keepitCheckCmd())
	return cmd
}

func keepitListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project> <session-id>",
		Short: "List a session's keepit markers",
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
			if jsonOut {
				return printJSON(sess.KeepitMarkers)
			}
			if len(sess.KeepitMarkers) == 0 {
				fmt.Println("no keepit markers")
				return nil
			}
			for _, m := range sess.KeepitMarkers {
				pin := ""
				if m.Pinned() {
					pin = " (pinned)"
				}
				fmt.Printf("%.2f%s  %s  %q\n", m.Weight, pin, m.MessageUUID, truncate(m.Content, 72))
			}
			return nil
		},
	}
}

func keepitAddCmd() *cobra.Command {
	var weight float64

	cmd := &cobra.Command{
		Use:   "add <project> <session-id> <message-uuid>",
		Short: "Mark a message for preservation (copied transcripts only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			entry, err := a.registrar.AddMarker(ctx, args[0], args[1], args[2], weight)
			if err != nil {
				return err
			}
			fmt.Printf("marked %s at %.2f (%d markers total)\n", args[2], weight, len(entry.KeepitMarkers))
			return nil
		},
	}
	cmd.Flags().Float64Var(&weight, "weight", 0.8, "marker weight in [0, 1]; 1.0 pins")
	return cmd
}

func keepitRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project> <session-id> <message-uuid>",
		Short: "Strip a message's markers, keeping the text",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			entry, err := a.registrar.RemoveMarkers(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("removed markers from %s (%d markers remain)\n", args[2], len(entry.KeepitMarkers))
			return nil
		},
	}
}

func keepitReweightCmd() *cobra.Command {
	var (
		content   string
		oldWeight float64
		newWeight float64
	)

	cmd := &cobra.Command{
		Use:   "reweight <project> <session-id> <message-uuid>",
		Short: "Change one marker's weight",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			_, err = a.registrar.ReweightMarker(ctx, args[0], args[1], args[2], content, oldWeight, newWeight)
			if err != nil {
				return err
			}
			fmt.Printf("reweighted %.2f -> %.2f\n", oldWeight, newWeight)
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "exact marked content (required)")
	cmd.Flags().Float64Var(&oldWeight, "old", 0, "current weight (required)")
	cmd.Flags().Float64Var(&newWeight, "new", 0, "new weight (required)")
	cmd.MarkFlagRequired("content")
	cmd.MarkFlagRequired("old")
	cmd.MarkFlagRequired("new")
	return cmd
}

func keepitCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <project> <session-id>",
		Short: "Report malformed marker syntax in the transcript",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if _, err := a.store.GetSession(ctx, args[0], args[1]); err != nil {
				return err
			}
			tr, err := a.parser.Parse(a.layout.OriginalPath(args[0], args[1]))
			if err != nil {
				return err
			}

			total := 0
			for _, msg := range tr.Messages {
				for _, issue := range keepit.ValidateSyntax(msg.Content) {
					total++
					fmt.Printf("%s: %q (%s)\n", msg.UUID, issue.Text, issue.Reason)
				}
			}
			if total == 0 {
				fmt.Println("no malformed markers")
			}
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
