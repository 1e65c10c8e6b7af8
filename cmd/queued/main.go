// Command queued runs the BRQueue broker: the queue kernel plus the
// server loop and session handler that drive it over the wire protocol
// (spec §2, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GiorgosMarga/brqueue/internal/auth"
	"github.com/GiorgosMarga/brqueue/internal/kernel"
	"github.com/GiorgosMarga/brqueue/internal/server"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

func main() {
	var (
		addr     string
		username string
		password string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "queued",
		Short: "BRQueue broker: priority, capability-routed work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := hclog.New(&hclog.LoggerOptions{
				Name:  "queued",
				Level: hclog.LevelFromString(logLevel),
			})

			a, err := auth.NewStatic(username, password)
			if err != nil {
				return fmt.Errorf("configuring authenticator: %w", err)
			}

			k := kernel.New(log)
			s := server.New(addr, k, a, log)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("starting broker", "addr", addr, "user", username)
			return s.ListenAndServe(ctx)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&addr, "addr", ":7777", "address to listen on")
	flags.StringVar(&username, "user", "guest", "shared credential username (spec §4.3)")
	flags.StringVar(&password, "password", "guest", "shared credential password")
	flags.StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
