package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calder-ai/steward/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent gateway",
	Long: `Serve starts the WebSocket gateway and handles user turns until
interrupted. Configuration comes from the config file, overridable with
STEWARD_-prefixed environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		log := rt.log.Zerolog()

		if rt.sweeper != nil {
			if err := rt.sweeper.Start(); err != nil {
				return fmt.Errorf("failed to start retention sweeper: %w", err)
			}
		}

		server, err := gateway.NewServer(gateway.Config{
			Port:              cfg.Gateway.Port,
			Agent:             rt.agent,
			MessagesPerMinute: cfg.Gateway.MessagesPerMinute,
			MaxConcurrent:     cfg.Gateway.MaxConcurrent,
			Logger:            log,
		})
		if err != nil {
			return err
		}

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}

		log.Info().
			Int("port", cfg.Gateway.Port).
			Str("provider", cfg.LLM.Provider).
			Str("model", cfg.LLM.Model).
			Msg("steward is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		if err := server.Stop(); err != nil {
			log.Error().Err(err).Msg("gateway shutdown failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
