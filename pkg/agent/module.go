package agent

import (
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the agent and its config to an fx application. The
// enclosing app supplies the viper tree and the process logger.
var Module = fx.Options(
	fx.Provide(func(v *viper.Viper, logger *zap.SugaredLogger) (Config, error) {
		return NewConfig(
			WithViper(v),
			WithAnotherLog(logger),
		)
	}),
	fx.Provide(NewAgent),
)
