// Implements the 'b2plugin upload' subcommand. Upload runs the orchestrator
// directly, outside of the host protocol.
package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/b2publish/b2plugin/pkg/plugin"
	"github.com/b2publish/b2plugin/pkg/uploader"
)

var uploadCmdConfig struct {
	bucketID    string
	prefix      string
	workingDir  string
	contentType string
	archive     bool
}

var uploadCmd = &cobra.Command{
	Use:   "upload source[=destination] ...",
	Short: "Upload files or directories to a bucket",
	Long: `Upload each source to the bucket. A destination ending in '/' (or no
destination) keeps the source's base name. Directories are uploaded file by
file unless --archive is given. Exits non-zero if any file fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if uploadCmdConfig.bucketID == "" {
			return errors.New("--bucket-id is required")
		}
		pairs, err := parseKeyValue(args)
		if err != nil {
			return err
		}

		set := &plugin.ArtifactSet{WorkingDir: uploadCmdConfig.workingDir, Prefix: uploadCmdConfig.prefix}
		for _, p := range pairs {
			set.Artifacts = append(set.Artifacts, plugin.Artifact{Source: p[0], Destination: p[1], Archive: uploadCmdConfig.archive})
		}
		defer set.Close()

		files, err := set.List()
		if err != nil {
			return err
		}
		tasks := make([]uploader.Task, len(files))
		for i, f := range files {
			tasks[i] = uploader.Task{
				LocalPath:      f.LocalPath,
				DestinationKey: f.DestinationKey,
				BucketID:       uploadCmdConfig.bucketID,
				ContentType:    uploadCmdConfig.contentType,
			}
		}

		report, err := pluginManager.NewUploader().Upload(context.Background(), tasks)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, o := range report.Outcomes {
			if o.State == uploader.StateVerified {
				fmt.Fprintf(out, "%s -> %s (%s)\n", o.Task.LocalPath, o.Task.DestinationKey, o.Result.FileID)
			} else {
				fmt.Fprintf(out, "%s FAILED after %d attempts: %v\n", o.Task.LocalPath, o.Attempts, o.Err)
			}
		}
		return report.Err()
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadCmdConfig.bucketID, "bucket-id", "", "destination bucket id")
	uploadCmd.Flags().StringVarP(&uploadCmdConfig.prefix, "prefix", "p", "", "key prefix for every destination")
	uploadCmd.Flags().StringVarP(&uploadCmdConfig.workingDir, "working-dir", "C", "", "resolve relative sources against this directory")
	uploadCmd.Flags().StringVar(&uploadCmdConfig.contentType, "content-type", "", "content type (default: let B2 decide)")
	uploadCmd.Flags().BoolVar(&uploadCmdConfig.archive, "archive", false, "upload directories as a single .tar.gz")
}
