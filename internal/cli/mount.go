package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wimtools/wimount/internal/fs"
	"github.com/wimtools/wimount/internal/logging"
	"github.com/wimtools/wimount/internal/mount"
	"github.com/wimtools/wimount/internal/wimfile"
	"github.com/wimtools/wimount/pkg/types"
)

func newMountCommand() *cobra.Command {
	var (
		readWrite       bool
		image           int
		streamInterface string
		stagingDir      string
	)

	cmd := &cobra.Command{
		Use:   "mount ARCHIVE MOUNTPOINT",
		Short: "Mount one image of a WIM archive",
		Long: `Mount projects the selected image of a WIM archive as a directory
tree. The process stays in the foreground serving filesystem requests
until the image is unmounted with 'wimount unmount'.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()
			if streamInterface == "" {
				streamInterface = cfg.Mount.StreamInterface
			}
			if stagingDir == "" {
				stagingDir = cfg.Mount.StagingDir
			}
			mode, err := parseStreamInterface(streamInterface)
			if err != nil {
				return err
			}

			archivePath, mountpoint := args[0], args[1]
			archive, err := wimfile.Open(archivePath, image)
			if err != nil {
				return fmt.Errorf("opening archive: %w", err)
			}
			defer archive.Close()

			ctx, err := mount.New(archive, mount.Options{
				ReadWrite:       readWrite,
				Debug:           debug,
				StreamInterface: mode,
				ArchivePath:     archivePath,
				StagingParent:   stagingDir,
				Logger:          logging.L(),
			})
			if err != nil {
				return err
			}

			srv, err := fs.Mount(ctx, mountpoint, debug, logging.L())
			if err != nil {
				return fmt.Errorf("mounting filesystem: %w", err)
			}
			// A read-only daemon unmounted without a driver times out
			// harmlessly; a read-write one reports it, since staged
			// changes were discarded.
			if status := srv.Wait(); status != types.StatusOK && readWrite {
				return fmt.Errorf("unmount finished with status: %s", status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&readWrite, "read-write", false, "enable copy-on-write staging and the commit pipeline")
	cmd.Flags().IntVar(&image, "image", 1, "1-based index of the image to mount")
	cmd.Flags().StringVar(&streamInterface, "stream-interface", "", "ADS addressing: none, xattr, or windows")
	cmd.Flags().StringVar(&stagingDir, "staging-dir", "", "directory to create the staging store under")
	return cmd
}

func parseStreamInterface(s string) (mount.StreamInterface, error) {
	switch s {
	case "", "xattr":
		return mount.StreamXattr, nil
	case "none":
		return mount.StreamNone, nil
	case "windows":
		return mount.StreamWindows, nil
	default:
		return 0, fmt.Errorf("unknown stream interface %q", s)
	}
}
