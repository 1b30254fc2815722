// Implements the 'b2plugin handle' subcommand. Handle answers one host
// request: the body comes from stdin (or --body) and the response envelope
// goes to stdout.
package cmd

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/b2publish/b2plugin/pkg/dispatch"
)

var handleCmdConfig struct {
	bodyFile string
}

// handleCmd represents the handle command
var handleCmd = &cobra.Command{
	Use:   "handle <request-name>",
	Short: "Answer one request from the host server",
	Long: `Dispatch a named request to its handler. The request body is read from
stdin unless --body names a file. The response is always written to stdout
as {"statusCode": N, "responseBody": ...} and the command exits 0, even for
bad or failed requests.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(cmd.InOrStdin(), handleCmdConfig.bodyFile)
		if err != nil {
			return err
		}

		resp := pluginManager.Dispatcher.Handle(context.Background(), dispatch.Request{Name: args[0], Body: body})
		enc := json.NewEncoder(cmd.OutOrStdout())
		if err := enc.Encode(resp.Envelope()); err != nil {
			return errors.Wrap(err, "Failed to write response")
		}
		return nil
	},
}

func readBody(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		body, err := ioutil.ReadAll(stdin)
		return body, errors.Wrap(err, "Failed to read request body")
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to expand body path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open request body")
	}
	defer f.Close()
	body, err := ioutil.ReadAll(f)
	return body, errors.Wrap(err, "Failed to read request body")
}

func init() {
	rootCmd.AddCommand(handleCmd)

	handleCmd.Flags().StringVarP(&handleCmdConfig.bodyFile, "body", "b", "", "file holding the request body (default stdin)")
}
