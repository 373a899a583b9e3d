package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wing32s/gogrepoc/internal/config"
	"github.com/wing32s/gogrepoc/internal/utils"
)

var (
	debug      bool
	configPath string
	appConfig  *config.Config
)

var GogrepocVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "gogrepoc",
	Short:   "gogrepoc keeps a local mirror of a remote file catalog verified and up to date",
	Version: GogrepocVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		c, err := config.GetConfig(configPath)
		if err != nil {
			return err
		}
		appConfig = c
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", fmt.Sprintf("Config file (default %s)", config.Path()))
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newManifestCmd())
	rootCmd.AddCommand(newCleanCmd())
}
