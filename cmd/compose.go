package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/compose"
	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

// parseComponent reads one --session value. Accepted forms:
//
//	<session-id>                auto-select
//	<session-id>=<version-id>   pin a version ("original" allowed)
//	<session-id>=parts          per-part selection
//	...@<weight>                custom allocation weight suffix
func parseComponent(spec string) (compose.ComponentRequest, error) {
	var c compose.ComponentRequest

	if at := strings.LastIndex(spec, "@"); at >= 0 {
		w, err := strconv.ParseFloat(spec[at+1:], 64)
		if err != nil || w <= 0 {
			return c, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
				"bad weight in component %q", spec)
		}
		c.Weight = w
		spec = spec[:at]
	}

	if eq := strings.Index(spec, "="); eq >= 0 {
		sel := spec[eq+1:]
		spec = spec[:eq]
		if sel == "parts" {
			c.UsePartSelection = true
		} else {
			c.VersionID = sel
		}
	}
	if spec == "" {
		return c, memerr.E(memerr.KindBadRequest, memerr.CodeInvalidSettings,
			"component has no session id")
	}
	c.SessionID = spec
	return c, nil
}

func composeCmd() *cobra.Command {
	var (
		name        string
		description string
		budget      int
		strategy    string
		format      string
		model       string
		sessions    []string
		preview     bool
	)

	cmd := &cobra.Command{
		Use:   "compose <project>",
		Short: "Compose a budget-bounded context from multiple sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			req := compose.Request{
				Name:               name,
				Description:        description,
				TotalTokenBudget:   budget,
				AllocationStrategy: strategy,
				OutputFormat:       format,
				Model:              model,
			}
			for _, spec := range sessions {
				c, err := parseComponent(spec)
				if err != nil {
					return err
				}
				req.Components = append(req.Components, c)
			}

			if preview {
				p, err := a.planner.PreviewComposition(ctx, args[0], req)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(p)
				}
				fmt.Printf("strategy %s, ~%d tokens, %d compressions needed\n",
					p.Strategy, p.EstimatedTokens, p.CompressionsNeeded)
				for _, c := range p.Components {
					fmt.Printf("  %-40s %-12s %-8s budget %d, ~%d tokens\n",
						c.SessionID, c.Action, c.VersionID, c.AllocatedBudget, c.EstimatedTokens)
				}
				return nil
			}

			rec, err := a.planner.ComposeContext(ctx, args[0], req)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(rec)
			}
			fmt.Printf("%s %q: %d sessions, %d messages, %d/%d tokens\n",
				rec.CompositionID, rec.Name, len(rec.Components),
				rec.TotalMessages, rec.ActualTokens, rec.TotalTokenBudget)
			dir := a.layout.CompositionDir(args[0], rec.Name)
			fmt.Printf("wrote %s\n", filepath.Join(dir, rec.OutputFiles.MD))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "composition name (required)")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().IntVar(&budget, "budget", 0, "total token budget (required, >= 1000)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "allocation: equal | proportional | recency | inverse-recency | custom")
	cmd.Flags().StringVar(&format, "format", "", "output format: md | jsonl | both (default both)")
	cmd.Flags().StringVar(&model, "model", "", "summarizer model for any new compressions")
	cmd.Flags().StringArrayVar(&sessions, "session", nil, "component spec, repeatable: <session>[=<version>|=parts][@weight]")
	cmd.Flags().BoolVar(&preview, "preview", false, "plan only, write nothing and run no summarizer")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("budget")
	cmd.MarkFlagRequired("session")
	return cmd
}

func compositionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compositions",
		Short: "Inspect and manage composed contexts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <project>",
		Short: "List compositions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			recs, err := a.planner.ListCompositions(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(recs)
			}
			fmt.Printf("%-42s %-24s %9s %9s %s\n", "ID", "NAME", "SESSIONS", "TOKENS", "CREATED")
			for _, r := range recs {
				fmt.Printf("%-42s %-24s %9d %9d %s\n",
					r.CompositionID, r.Name, len(r.Components), r.ActualTokens,
					r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <project> <composition-id>",
		Short: "Show one composition record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			rec, err := a.planner.GetComposition(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <project> <composition-id>",
		Short: "Delete a composition and its output files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.planner.DeleteComposition(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[1])
			return nil
		},
	})

	return cmd
}

func markUsedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark-used <project> <composition-id> <session-id>",
		Short: "Record that a composition seeded a new session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			return a.planner.MarkCompositionUsed(ctx, args[0], args[1], args[2])
		},
	}
}
