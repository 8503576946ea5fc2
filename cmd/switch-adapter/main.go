package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "switch-adapter",
		Short:   "Participant-facing adapter of the payment switch",
		Version: Version,
		// Configuration errors are logged by the commands themselves.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(apiCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(allCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Accept transfer requests and publish them to the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, "switch-adapter-api", serveAPI)
		},
	}
}

func notificationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notification",
		Short: "Consume notification events and deliver participant callbacks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, "switch-adapter-notification", serveNotifications)
		},
	}
}

func allCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the API and the notification handler in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, "switch-adapter", serveAll)
		},
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("switch adapter init failed")
}
