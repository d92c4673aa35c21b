// Command nb-server runs the NeoDB federation bridge.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/neodb-bridge/internal/config"
	"github.com/and161185/neodb-bridge/internal/logging"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "nb-server",
		Short:        "NeoDB sign-in, token lifecycle and shelf harvesting service",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		log, err := logging.New(cfg.LogLevel, cfg.Dev)
		if err != nil {
			return nil, nil, err
		}
		return cfg, log, nil
	}

	root.AddCommand(newServeCmd(load), newMigrateCmd(load), newSweepCmd(load))
	return root
}

type loader func() (*config.Config, *zap.Logger, error)
