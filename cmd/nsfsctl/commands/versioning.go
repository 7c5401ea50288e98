package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-nsfs/nsfs/internal/version"
)

var versioningCmd = &cobra.Command{
	Use:   "versioning",
	Short: "Control a bucket's versioning mode",
}

func setVersioningCmd(use string, mode version.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <bucket-id>",
		Short: "Set versioning mode to " + use,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.SetBucketVersioning(args[0], mode); err != nil {
				return err
			}
			fmt.Printf("bucket %s versioning set to %s\n", args[0], use)
			return nil
		},
	}
}

func init() {
	versioningCmd.AddCommand(setVersioningCmd("enable", version.Enabled))
	versioningCmd.AddCommand(setVersioningCmd("suspend", version.Suspended))
	versioningCmd.AddCommand(setVersioningCmd("disable", version.Disabled))
}
