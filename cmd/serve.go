// Handle the "b2plugin serve" command: the host protocol over HTTP, for
// hosts that talk to plugins over the network and for manual testing.
package cmd

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/b2publish/b2plugin/pkg/dispatch"
)

var serveAddr string

const maxRequestBody = 1 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve host requests over HTTP",
	Long: `Listen for POST /requests/{name} and answer each with the dispatcher's
response. GET /identity?extension=task returns the identity descriptor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listener, err := net.Listen("tcp", serveAddr)
		if err != nil {
			return errors.Wrap(err, "error opening listener")
		}
		log := pluginManager.Logger.WithField("module", "serve")
		log.Infof("listening at %v", listener.Addr())

		server := &http.Server{
			Handler:           newRouter(pluginManager.Dispatcher),
			ReadHeaderTimeout: 10 * time.Second,
		}
		done := make(chan error, 1)
		go func() {
			done <- server.Serve(listener)
		}()

		// Shutdown cleanly on ctrl-c or sigterm from kill
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-c:
		}
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func newRouter(d *dispatch.Dispatcher) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/requests/{name}", func(w http.ResponseWriter, r *http.Request) {
		body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"message": err.Error()})
			return
		}
		resp := d.Handle(r.Context(), dispatch.Request{Name: chi.URLParam(r, "name"), Body: body})
		writeJSON(w, int(resp.Status), resp.Envelope().ResponseBody)
	})

	r.Get("/identity", func(w http.ResponseWriter, r *http.Request) {
		ext := r.URL.Query().Get("extension")
		if ext == "" {
			ext = dispatch.TaskIdentity.ExtensionName
		}
		id, ok := dispatch.LookupIdentity(ext)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown extension: " + ext})
			return
		}
		writeJSON(w, http.StatusOK, id)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8153", "address to listen on")
}
