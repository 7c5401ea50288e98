// Package commands holds the nsfsctl cobra command tree: a thin
// operator-facing shell around internal/nsfs, for local inspection and
// scripting rather than production orchestration.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/go-nsfs/nsfs/internal/config"
	"github.com/go-nsfs/nsfs/internal/nsfs"
	"github.com/go-nsfs/nsfs/pkg/nsfslog"
)

var (
	cfgFile  string
	logJSON  bool
	logLevel string

	store *nsfs.Store
)

var rootCmd = &cobra.Command{
	Use:   "nsfsctl",
	Short: "Inspect and drive an nsfs filesystem-backed object namespace",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log, err := nsfslog.New(nsfslog.Config{Level: logLevel, JSON: logJSON})
		if err != nil {
			return err
		}
		store = nsfs.New(cfg, log)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (optional; env vars work standalone)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console format")

	rootCmd.AddCommand(bucketCmd)
	rootCmd.AddCommand(objectCmd)
	rootCmd.AddCommand(versioningCmd)
}
