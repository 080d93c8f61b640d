// cmd/twig/main.go
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"twig/internal/repo"
	"twig/internal/transform"
	"twig/internal/tree"
	"twig/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "twig",
	Short: "Twig records tree snapshots and rebuilds working trees from them",
	Long: `Twig is a snapshot tool built around a transactional tree transform
engine: every restore and revert is computed up front, checked for
structural conflicts, repaired where possible and applied with
rollback on failure.`,
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			os.Setenv("TWIG_LOG_LEVEL", "debug")
		}
	}

	var initCmd = &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new twig repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			r, err := repo.Init(dir)
			if err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}
			defer r.Close()

			fmt.Println("Initialized empty twig repository in", r.WorkTree.Root)
			return nil
		},
	}

	var snapCmd = &cobra.Command{
		Use:   "snap",
		Short: "Record a snapshot of the working tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.WorkTree.Lock(); err != nil {
				return fmt.Errorf("locking worktree: %w", err)
			}
			defer r.WorkTree.Unlock()

			m, err := r.Snapshots.Record(r.WorkTree, message)
			if err != nil {
				return fmt.Errorf("recording snapshot: %w", err)
			}

			fmt.Printf("Recorded snapshot %s (%d entries)\n", shortID(m.ID), len(m.Entries))
			return nil
		},
	}

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "List recorded snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			manifests, err := r.Snapshots.List()
			if err != nil {
				return err
			}
			if len(manifests) == 0 {
				fmt.Println("No snapshots recorded")
				return nil
			}

			head, err := r.Snapshots.Head()
			if err != nil {
				return err
			}

			yellow := color.New(color.FgYellow).SprintFunc()
			for _, m := range manifests {
				marker := " "
				if m.ID == head {
					marker = yellow("*")
				}
				fmt.Printf("%s %s  %s  %s\n",
					marker,
					shortID(m.ID),
					m.CreatedAt.Local().Format(time.RFC3339),
					m.Message,
				)
			}
			return nil
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show working tree changes since the head snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			if err := printStatus(r); err != nil {
				return err
			}
			if watch {
				return watchStatus(r)
			}
			return nil
		},
	}

	var restoreCmd = &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Rebuild the working tree from a snapshot",
		Long: `Restore brings the working tree to the state captured in a snapshot.
The snapshot may be named by id, unique id prefix, or "head". By
default the current tree is transformed in place; with --into the
snapshot is built into a fresh directory instead. Files that stand in
the way are moved aside and reported as conflicts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			into, _ := cmd.Flags().GetString("into")
			hardlink, _ := cmd.Flags().GetBool("hardlink")
			backup, _ := cmd.Flags().GetBool("backup")

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			id, err := resolveSnapshot(r, args[0])
			if err != nil {
				return err
			}
			src, err := r.Snapshots.Tree(id)
			if err != nil {
				return err
			}

			if into != "" {
				return restoreInto(r, src, into, hardlink)
			}
			if hardlink {
				return fmt.Errorf("--hardlink requires --into")
			}

			if err := r.WorkTree.Lock(); err != nil {
				return fmt.Errorf("locking worktree: %w", err)
			}
			defer r.WorkTree.Unlock()

			base, err := r.Snapshots.HeadTree()
			if err != nil {
				return err
			}
			conflicts, err := transform.Revert(r.WorkTree, base, src, r.Logger, &transform.RevertOptions{
				Backups:      backup,
				OrphanPolicy: r.OrphanPolicy(),
			})
			if err != nil {
				return fmt.Errorf("restoring %s: %w", shortID(id), err)
			}

			printConflicts(conflicts)
			fmt.Printf("Restored snapshot %s\n", shortID(id))
			return nil
		},
	}

	var revertCmd = &cobra.Command{
		Use:   "revert [paths...]",
		Short: "Undo working tree changes since the head snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			backup, _ := cmd.Flags().GetBool("backup")

			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			head, err := r.Snapshots.HeadTree()
			if err != nil {
				return err
			}
			if head == nil {
				return fmt.Errorf("no snapshots recorded yet")
			}

			if err := r.WorkTree.Lock(); err != nil {
				return fmt.Errorf("locking worktree: %w", err)
			}
			defer r.WorkTree.Unlock()

			conflicts, err := transform.Revert(r.WorkTree, head, head, r.Logger, &transform.RevertOptions{
				Paths:        args,
				Backups:      backup,
				OrphanPolicy: r.OrphanPolicy(),
			})
			if err != nil {
				return fmt.Errorf("reverting: %w", err)
			}

			printConflicts(conflicts)
			fmt.Println("Working tree reverted to the head snapshot")
			return nil
		},
	}

	var orphansCmd = &cobra.Command{
		Use:   "orphans",
		Short: "List files moved aside by the orphan policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			entries, err := os.ReadDir(filepath.Join(r.WorkTree.Root, transform.OrphanDirName))
			if os.IsNotExist(err) || (err == nil && len(entries) == 0) {
				fmt.Println("No orphaned files")
				return nil
			}
			if err != nil {
				return err
			}

			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("Orphaned files in %s/:\n", transform.OrphanDirName)
			for _, e := range entries {
				fmt.Printf("\t%s %s\n", red("?"), e.Name())
			}
			return nil
		},
	}

	snapCmd.Flags().StringP("message", "m", "", "snapshot message")
	statusCmd.Flags().Bool("watch", false, "keep watching the tree and stream changes")
	restoreCmd.Flags().String("into", "", "build into this directory instead of transforming in place")
	restoreCmd.Flags().Bool("hardlink", false, "hard-link unchanged files from the current tree (with --into)")
	restoreCmd.Flags().Bool("backup", false, "keep .~N~ backups of locally modified files")
	revertCmd.Flags().Bool("backup", false, "keep .~N~ backups of locally modified files")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(snapCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(orphansCmd)
}

func openRepo() (*repo.Repository, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}

	r, err := repo.Open(cwd)
	if errors.Is(err, worktree.ErrNotFound) {
		return nil, fmt.Errorf("not inside a twig repository (run \"twig init\" first)")
	}
	return r, err
}

// resolveSnapshot accepts an exact id, a unique id prefix, or "head".
func resolveSnapshot(r *repo.Repository, arg string) (string, error) {
	if _, err := r.Snapshots.Get(arg); err == nil {
		return arg, nil
	}
	if arg == "head" {
		id, err := r.Snapshots.Head()
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", fmt.Errorf("no snapshots recorded yet")
		}
		return id, nil
	}

	manifests, err := r.Snapshots.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, m := range manifests {
		if strings.HasPrefix(m.ID, arg) {
			matches = append(matches, m.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no snapshot matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous, %d snapshots match", arg, len(matches))
	}
}

func restoreInto(r *repo.Repository, src tree.Tree, dest string, hardlink bool) error {
	wt, err := worktree.Init(dest, r.Logger)
	if err != nil {
		return err
	}

	opts := &transform.BuildOptions{}
	if hardlink {
		opts.Accelerator = r.WorkTree
		opts.Hardlink = true
	}
	_, conflicts, err := transform.BuildTree(src, wt, nil, r.Logger, opts)
	if err != nil {
		return fmt.Errorf("building tree: %w", err)
	}

	printConflicts(conflicts)
	fmt.Printf("Built snapshot into %s\n", wt.Root)
	return nil
}

func printStatus(r *repo.Repository) error {
	changes, err := r.Status()
	if err != nil {
		return fmt.Errorf("computing status: %w", err)
	}
	if len(changes) == 0 {
		fmt.Println("No changes since the last snapshot (working tree clean)")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("Changes since the last snapshot:\n\n")
	for _, c := range changes {
		switch c.Type {
		case repo.ChangeAdded:
			fmt.Printf("\t%s %s\n", green("A"), c.Path)
		case repo.ChangeModified:
			fmt.Printf("\t%s %s\n", yellow("M"), c.Path)
		case repo.ChangeDeleted:
			fmt.Printf("\t%s %s\n", red("D"), c.Path)
		}
	}
	fmt.Println()
	return nil
}

func watchStatus(r *repo.Repository) error {
	w, err := worktree.NewWatcher(r.WorkTree, r.Logger)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Println("Watching for changes (interrupt to stop)")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	cyan := color.New(color.FgCyan).SprintFunc()
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			fmt.Printf("%s %s %s\n", time.Now().Format("15:04:05"), cyan(ev.Op), ev.Path)
		case <-sig:
			fmt.Println()
			return nil
		}
	}
}

func printConflicts(conflicts []transform.CookedConflict) {
	if len(conflicts) == 0 {
		return
	}

	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Printf("%d conflicts:\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("\t%s %s\n", yellow("C"), c.String())
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
