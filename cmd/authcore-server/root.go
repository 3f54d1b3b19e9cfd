package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalOptions struct {
	configPath string
	dev        bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "authcore-server",
		Short:         "Campus authentication and authorization service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (AUTHCORE_* env vars override it)")
	root.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human-readable debug logging")

	root.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newHashPasswordCmd(opts))
	return root
}

func (o *globalOptions) logger() (*zap.Logger, error) {
	if o.dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
