package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/visionworks/inferd/pkg/agent"
	"github.com/visionworks/inferd/pkg/configutils"
	"github.com/visionworks/inferd/pkg/logging"
)

const envPrefix = "INFERD"

func configProvider(cmd *cobra.Command) fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		v := viper.New()
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.BindPFlag("logging.debug", cmd.Flags().Lookup("debug")); err != nil {
			return nil, err
		}
		if err := configutils.BindEnvsRecursive(v, &agent.Config{}, ""); err != nil {
			return nil, err
		}
		if configFilePath != "" {
			if err := configutils.ResolveAndMergeFile(v, configFilePath); err != nil {
				return nil, err
			}
		}

		// UnmarshalKey only sees read config; copy every key so the
		// environment participates too.
		for _, key := range v.AllKeys() {
			v.Set(key, v.Get(key))
		}
		return v, nil
	})
}

func loggerProvider() fx.Option {
	return fx.Provide(func(v *viper.Viper) (*zap.SugaredLogger, error) {
		cfg, err := logging.NewConfig(logging.WithViper(v))
		if err != nil {
			return nil, err
		}
		return cfg.Build()
	})
}

func runAgent(cmd *cobra.Command, _ []string) error {
	app := fx.New(
		configProvider(cmd),
		loggerProvider(),
		agent.Module,
		fx.Invoke(func(lc fx.Lifecycle, a *agent.Agent, logger *zap.SugaredLogger, sh fx.Shutdowner) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := a.Start(ctx); err != nil {
						return err
					}
					go func() {
						if err := a.Wait(); err != nil {
							logger.Errorw("HTTP server exited", "error", err)
						}
						_ = sh.Shutdown()
					}()
					return nil
				},
				OnStop: func(context.Context) error {
					return a.Stop()
				},
			})
		}),
	)
	app.Run()
	return nil
}
