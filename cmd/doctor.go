package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawmem/internal/manifest"
)

func doctorCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment health and manifest/disk consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			fmt.Println("clawmem doctor")
			fmt.Printf("  Version:  %s (manifest schema %s)\n", Version, manifest.SchemaVersion)
			fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Printf("  Go:       %s\n", runtime.Version())
			fmt.Println()

			a, err := newApp(ctx)
			if err != nil {
				fmt.Printf("  Config load error: %s\n", err)
				return nil
			}
			defer a.close(ctx)

			checkDir("Memory root", a.cfg.MemoryRoot)
			checkDir("Transcripts", a.cfg.TranscriptsDir)
			if _, err := exec.LookPath(a.cfg.Summarizer.Binary); err != nil {
				fmt.Printf("  Summarizer:  %s (NOT ON PATH)\n", a.cfg.Summarizer.Binary)
			} else {
				fmt.Printf("  Summarizer:  %s (OK)\n", a.cfg.Summarizer.Binary)
			}
			fmt.Println()

			projects, err := listProjects(a, project)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("  No projects.")
				return nil
			}

			problems := 0
			for _, pid := range projects {
				problems += checkProject(cmd, a, pid)
			}
			fmt.Println()
			if problems == 0 {
				fmt.Println("  All checks passed.")
			} else {
				fmt.Printf("  %d problem(s) found.\n", problems)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "check a single project")
	return cmd
}

func checkDir(label, path string) {
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		fmt.Printf("  %-12s %s (MISSING)\n", label+":", path)
	} else {
		fmt.Printf("  %-12s %s (OK)\n", label+":", path)
	}
}

func listProjects(a *app, only string) ([]string, error) {
	if only != "" {
		return []string{only}, nil
	}
	entries, err := os.ReadDir(a.layout.ProjectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// checkProject verifies every manifest reference against the disk and
// returns the number of problems found. Loading the manifest also runs
// any pending schema migration.
func checkProject(cmd *cobra.Command, a *app, projectID string) int {
	fmt.Printf("  Project %s:\n", projectID)

	m, err := a.store.Load(cmd.Context(), projectID)
	if err != nil {
		fmt.Printf("    manifest: LOAD FAILED (%s)\n", err)
		return 1
	}

	problems := 0
	flag := func(format string, args ...any) {
		problems++
		fmt.Printf("    "+format+"\n", args...)
	}

	for _, sess := range m.Sessions {
		if _, err := os.Stat(sess.LinkedFile); err != nil {
			flag("session %s: linked transcript missing (%s)", sess.SessionID, sess.LinkedFile)
		}
		dir := a.layout.SessionSummariesDir(projectID, sess.SessionID)
		for _, rec := range sess.Compressions {
			for _, ext := range []string{".md", ".jsonl"} {
				path := filepath.Join(dir, rec.File+ext)
				if _, err := os.Stat(path); err != nil {
					flag("session %s %s: artifact missing (%s)", sess.SessionID, rec.VersionID, path)
				}
			}
		}
	}

	for _, comp := range m.Compositions {
		dir := a.layout.CompositionDir(projectID, comp.Name)
		for _, name := range []string{comp.OutputFiles.MD, comp.OutputFiles.JSONL, comp.OutputFiles.Metadata} {
			if name == "" {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				flag("composition %s: output missing (%s)", comp.CompositionID, name)
			}
		}
		for _, c := range comp.Components {
			sess, ok := m.Sessions[c.SessionID]
			if !ok {
				flag("composition %s: references unregistered session %s", comp.CompositionID, c.SessionID)
				continue
			}
			if c.VersionID != "original" && c.VersionID != "auto-parts" && sess.Version(c.VersionID) == nil {
				flag("composition %s: references deleted version %s/%s", comp.CompositionID, c.SessionID, c.VersionID)
			}
		}
	}

	fmt.Printf("    %d sessions, %d compositions, %d problem(s)\n",
		len(m.Sessions), len(m.Compositions), problems)
	return problems
}
