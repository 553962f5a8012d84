package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	boxgo "github.com/boxkit/box-go"
)

var (
	flagUploadWait    bool
	flagUploadTimeout time.Duration
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <folder-id> <file>",
		Short: "Upload a file into a Box folder",
		Long: `Upload a local file into the given Box folder. Files of 20 MiB and above
go through a chunked upload session with per-part integrity digests.`,
		Args: cobra.ExactArgs(2),
		RunE: runUpload,
	}

	cmd.Flags().BoolVar(&flagUploadWait, "wait", false, "wait until the uploaded file appears in the local mirror")
	cmd.Flags().DurationVar(&flagUploadTimeout, "timeout", boxgo.DefaultWaitTimeout, "local mirror wait timeout (with --wait)")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	client, err := buildClient(logger)
	if err != nil {
		return err
	}

	folderID, localPath := args[0], args[1]

	statusf("Uploading %s...\n", localPath)

	item, err := client.Upload(cmd.Context(), folderID, localPath)
	if err != nil {
		return err
	}

	statusf("Uploaded %s (%s), file ID %s\n", item.Name, formatSize(item.Size), item.ID)

	if flagJSON {
		if encErr := printItemJSON(item); encErr != nil {
			return encErr
		}
	} else {
		fmt.Println(item.ID)
	}

	if !flagUploadWait {
		return nil
	}

	status, err := client.WaitForSync(cmd.Context(), item.ID, boxgo.KindFile, boxgo.WaitOptions{
		Timeout: flagUploadTimeout,
	})
	if err != nil {
		return err
	}

	if !status.Synced {
		return fmt.Errorf("uploaded but not yet in local mirror: %s", status.Error)
	}

	statusf("Synced to %s\n", status.LocalPath)

	return nil
}

func printItemJSON(item *boxgo.Item) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(item); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
