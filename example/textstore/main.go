// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/z5labs/crucible/host"
	"github.com/z5labs/crucible/textstore"

	"github.com/spf13/cobra"
)

func main() {
	var env string
	var port uint

	cmd := &cobra.Command{
		Use:   "textstore",
		Short: "Run the sample persisted-text service standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := host.NewOptions(env)
			opts.Port = port
			opts.LogHandler = slog.NewJSONHandler(os.Stderr, nil)

			profile, err := host.LoadProfile(env)
			if err != nil {
				return err
			}
			opts.Profile = profile

			srv, err := host.New(cmd.Context(), textstore.App(), opts)
			if err != nil {
				return err
			}

			err = srv.Start(cmd.Context())
			if err != nil {
				return err
			}
			if addr, ok := srv.Addr(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on http://%s\n", addr)
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-sigCtx.Done()

			srv.RequestStop()
			select {
			case <-srv.Stopped():
			case <-time.After(5 * time.Second):
				_ = srv.ForceStop()
			}
			return srv.Close()
		},
	}
	cmd.Flags().StringVar(&env, "env", "development", "configuration profile to load")
	cmd.Flags().UintVar(&port, "port", 8080, "port to listen on")

	err := cmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
