package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-nsfs/nsfs/internal/listing"
	"github.com/go-nsfs/nsfs/internal/readpath"
	"github.com/go-nsfs/nsfs/internal/upload"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Read, write, delete, and list objects",
}

var objectPutCmd = &cobra.Command{
	Use:   "put <bucket-id> <key>",
	Short: "Upload an object from stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := store.UploadObject(context.Background(), args[0], args[1], upload.Params{ContentType: "application/octet-stream"}, os.Stdin)
		if err != nil {
			return err
		}
		fmt.Printf("uploaded %s/%s version=%s etag=%s\n", args[0], args[1], res.VersionID, res.Etag)
		return nil
	},
}

type stdoutSink struct{}

func (stdoutSink) Write(ctx context.Context, buf []byte) (bool, error) {
	_, err := os.Stdout.Write(buf)
	return true, err
}

func (stdoutSink) Drain(ctx context.Context) error { return nil }

var objectGetCmd = &cobra.Command{
	Use:   "get <bucket-id> <key>",
	Short: "Stream an object's bytes to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return store.ReadObjectStream(context.Background(), args[0], args[1], 0, -1, stdoutSink{})
	},
}

var objectRmCmd = &cobra.Command{
	Use:   "rm <bucket-id> <key>",
	Short: "Delete an object (latest version unless --version is given)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		versionID, _ := cmd.Flags().GetString("version")
		return store.DeleteObject(context.Background(), args[0], args[1], versionID)
	},
}

var objectLsCmd = &cobra.Command{
	Use:   "ls <bucket-id>",
	Short: "List objects under an optional prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		delimiter, _ := cmd.Flags().GetString("delimiter")
		res, err := store.ListObjects(args[0], listing.Params{Prefix: prefix, Delimiter: delimiter, Limit: 1000})
		if err != nil {
			return err
		}
		for _, e := range res.Entries {
			if e.IsCommonPrefix {
				fmt.Println(e.Key + " (prefix)")
				continue
			}
			fmt.Println(e.Key)
		}
		return nil
	},
}

var _ = readpath.Sink(stdoutSink{})

func init() {
	objectRmCmd.Flags().String("version", "", "specific version id to delete")
	objectLsCmd.Flags().String("prefix", "", "key prefix")
	objectLsCmd.Flags().String("delimiter", "", "grouping delimiter, only '/' is accepted")

	objectCmd.AddCommand(objectPutCmd)
	objectCmd.AddCommand(objectGetCmd)
	objectCmd.AddCommand(objectRmCmd)
	objectCmd.AddCommand(objectLsCmd)
}
