package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wing32s/gogrepoc/internal/lifecycle"
	"github.com/wing32s/gogrepoc/internal/manifest"
	"github.com/wing32s/gogrepoc/internal/output"
)

func newCleanCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Recover leftover staging files and orphan files the manifest no longer references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root != "" {
				appConfig.Root = root
			}
			store, err := openStore(appConfig)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.FindAll()
			if err != nil {
				return fmt.Errorf("unable to read manifest store: %w", err)
			}

			mgr := lifecycle.NewManager(appConfig.Root)
			report, err := mgr.Recover(manifest.Expected(entries))
			if err != nil {
				return fmt.Errorf("recovery failed: %w", err)
			}
			orphaned, err := mgr.Collect(manifest.Names(entries))
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}

			output.PrintSuccess(os.Stdout, fmt.Sprintf("Promoted %d, demoted %d, orphaned %d files",
				len(report.Promoted), len(report.Demoted), len(report.Orphaned)+len(orphaned)))
			for _, name := range report.Conflicts {
				output.PrintWarning(os.Stdout, fmt.Sprintf("  ! %s has provisional and final copies, resolve manually", name))
			}
			for _, name := range orphaned {
				output.PrintDetail(os.Stdout, fmt.Sprintf("  moved %s to %s", name, lifecycle.OrphanedDir))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&root, "root", "r", "", "Target directory for the mirror")
	return cmd
}
