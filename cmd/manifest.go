package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wing32s/gogrepoc/internal/manifest"
	"github.com/wing32s/gogrepoc/internal/output"
	"github.com/wing32s/gogrepoc/internal/utils"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Manage the stored file manifest",
	}
	cmd.AddCommand(newManifestImportCmd())
	cmd.AddCommand(newManifestListCmd())
	cmd.AddCommand(newManifestForceCmd())
	return cmd
}

func newManifestImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [YAML_FILE]",
		Short: "Import entries from a YAML manifest file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(appConfig)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := importEntries(store, args[0])
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			output.PrintSuccess(os.Stdout, fmt.Sprintf("Imported %d entries", len(entries)))
			return nil
		},
	}
}

func newManifestListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored manifest entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(appConfig)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.FindAll()
			if err != nil {
				return fmt.Errorf("unable to read manifest store: %w", err)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
			var total int64
			for _, e := range entries {
				total += e.Size
				fmt.Printf("  %s %s %s\n", output.FInfo(e.Name), output.FDebug(utils.FormatBytes(uint64(e.Size))), output.FDetail(flags(e)))
			}
			output.PrintHeader(os.Stdout, fmt.Sprintf("%d entries, %s", len(entries), utils.FormatBytes(uint64(total))))
			return nil
		},
	}
}

func newManifestForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force [NAME...]",
		Short: "Mark entries for full re-verification on the next run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(appConfig)
			if err != nil {
				return err
			}
			defer store.Close()
			var marked []*manifest.Entry
			for _, name := range args {
				entry, err := store.Find(name)
				if err != nil {
					output.PrintWarning(os.Stdout, fmt.Sprintf("%s: %v", name, err))
					continue
				}
				entry.ForceChange = true
				marked = append(marked, entry)
			}
			if err := store.Save(marked...); err != nil {
				return fmt.Errorf("unable to save entries: %w", err)
			}
			output.PrintSuccess(os.Stdout, fmt.Sprintf("Marked %d entries", len(marked)))
			return nil
		},
	}
}

func flags(e *manifest.Entry) string {
	var f []string
	if e.ForceChange {
		f = append(f, "force-change")
	}
	if e.PreviouslyVerified {
		f = append(f, "verified")
	}
	if e.MD5 != "" {
		f = append(f, "md5")
	}
	return strings.Join(f, ",")
}
