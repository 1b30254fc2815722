// Implements the 'b2plugin identify' subcommand
package cmd

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/b2publish/b2plugin/pkg/dispatch"
)

var identifyExtension string

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Print the plugin's identity descriptor",

	// The descriptor is static, so no manager is needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },

	RunE: func(cmd *cobra.Command, args []string) error {
		id, ok := dispatch.LookupIdentity(identifyExtension)
		if !ok {
			return errors.Errorf("unknown extension %q (want task or package-repository)", identifyExtension)
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(id)
	},
}

func init() {
	rootCmd.AddCommand(identifyCmd)
	identifyCmd.Flags().StringVarP(&identifyExtension, "extension", "e", dispatch.TaskIdentity.ExtensionName, "task or package-repository")
}
