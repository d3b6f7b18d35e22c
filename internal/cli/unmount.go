package cli

import (
	"github.com/spf13/cobra"

	"github.com/wimtools/wimount/internal/logging"
	"github.com/wimtools/wimount/internal/unmount"
)

func newUnmountCommand() *cobra.Command {
	var (
		commit         bool
		checkIntegrity bool
	)

	cmd := &cobra.Command{
		Use:   "unmount MOUNTPOINT",
		Short: "Unmount a mounted image, committing or discarding changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			defer logging.Sync()
			return unmount.Run(unmount.Options{
				MountPoint:     args[0],
				Commit:         commit,
				CheckIntegrity: checkIntegrity,
				Logger:         logging.L(),
			})
		},
	}

	cmd.Flags().BoolVar(&commit, "commit", false, "commit changes back into the archive")
	cmd.Flags().BoolVar(&checkIntegrity, "check-integrity", false, "verify the archive after rewriting")
	return cmd
}
