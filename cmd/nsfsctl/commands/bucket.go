package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Manage bucket roots (create_uls / delete_uls)",
}

var bucketCreateCmd = &cobra.Command{
	Use:   "create <bucket-id> <root-path>",
	Short: "Create a new bucket root directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.CreateULS(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("created bucket %s at %s\n", args[0], args[1])
		return nil
	},
}

var bucketDeleteCmd = &cobra.Command{
	Use:   "delete <bucket-id>",
	Short: "Delete an empty bucket root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.DeleteULS(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted bucket %s\n", args[0])
		return nil
	},
}

func init() {
	bucketCmd.AddCommand(bucketCreateCmd)
	bucketCmd.AddCommand(bucketDeleteCmd)
}
