package main

import (
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
)

type rootOptions struct {
	envFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "clover",
		Short:        "Calendar and conferencing sync service",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the process environment")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newPullCommand(opts),
	)
	return cmd
}

// setup loads the configuration and builds the process logger. The returned func flushes the
// logger and must be called before exit.
func (o *rootOptions) setup() (*config.Config, ectologger.Logger, func(), error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, flush, err := newLogger(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, flush, nil
}

func newLogger(level string, pretty bool) (ectologger.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	if pretty {
		zapCfg = zap.NewDevelopmentConfig()
	}

	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg.Level = atomicLevel

	zapLogger, err := zapCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	flush := func() { _ = zapLogger.Sync() }
	return zapadapter.NewZapEctoLogger(zapLogger, nil), flush, nil
}
