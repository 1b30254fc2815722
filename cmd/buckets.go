// Implements the 'b2plugin buckets' subcommand
package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List the buckets of the configured account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pluginManager.Credentials.Empty() {
			return errors.New("no B2 credentials configured (set B2_ACCOUNT_ID and B2_APPLICATION_KEY)")
		}
		ctx := context.Background()
		session, err := pluginManager.Client.Authorize(ctx, pluginManager.Credentials)
		if err != nil {
			return errors.Wrap(err, "Authorization failed")
		}
		buckets, err := pluginManager.Client.ListBuckets(ctx, session)
		if err != nil {
			return errors.Wrap(err, "Listing buckets failed")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE")
		for _, b := range buckets {
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.BucketID, b.BucketName, b.BucketType)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(bucketsCmd)
}
