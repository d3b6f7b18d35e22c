// Package cli implements the wimount command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/wimtools/wimount/internal/config"
	"github.com/wimtools/wimount/internal/logging"
)

var (
	configPath string
	debug      bool
)

// New builds the root command.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:           "wimount",
		Short:         "Mount WIM archive images as live filesystems",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose tracing and FUSE debug output")

	root.AddCommand(newMountCommand())
	root.AddCommand(newUnmountCommand())
	return root
}

// loadConfig resolves the effective configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logging.Init(logging.Config(cfg.Logging))
	return cfg, nil
}
