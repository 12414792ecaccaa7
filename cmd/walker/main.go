package main

import (
	"fmt"
	"os"

	"backend-pawwalk/internal/config"
	"backend-pawwalk/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "walker",
		Short:         "PawWalk device agent",
		Long:          `walker tracks dog walks on the device, keeps them in a local store and syncs them to the records API when a connection is available.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newPurgeCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func newLogger(cfg config.Config) *zap.Logger {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "walker")
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
