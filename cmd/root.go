// Root of command-line argument parsing.
// This file was based off the standard cobra template, see
// https://github.com/spf13/cobra
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/b2publish/b2plugin/pkg/pluginmgr"
)

var cfgFile string
var logLevel string

var pluginManager *pluginmgr.Manager

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "b2plugin",
	Short: "Publish build artifacts to Backblaze B2",
	Long: `A continuous-delivery plugin that uploads build artifacts to Backblaze B2
and answers the host server's configuration and revision requests.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		mgrArgs := map[string]interface{}{}
		if cfgFile != "" {
			mgrArgs["config-file"] = cfgFile
		}
		if logLevel != "" {
			mgrArgs["log-level"] = logLevel
		}

		var err error
		pluginManager, err = pluginmgr.NewManager(mgrArgs)
		if err != nil {
			return errors.Wrap(err, "Failed to initialize plugin manager")
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if pluginManager == nil || pluginManager.Logger == nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		} else {
			pluginManager.Logger.Error(err)
		}
		os.Exit(1)
	}
}

// parseKeyValue splits "a=b" pairs. Entries without '=' map to an empty value.
func parseKeyValue(pairs []string) ([][2]string, error) {
	var result [][2]string
	for _, pair := range pairs {
		keyValue := strings.SplitN(pair, "=", 2)
		if keyValue[0] == "" {
			return nil, errors.Errorf("invalid pair %q", pair)
		}
		if len(keyValue) == 1 {
			keyValue = append(keyValue, "")
		}
		result = append(result, [2]string{keyValue[0], keyValue[1]})
	}
	return result, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is configs/b2plugin.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}
