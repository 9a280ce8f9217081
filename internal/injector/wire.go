//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zentinel/autoscale/internal/core/autoscale"
	"github.com/zentinel/autoscale/internal/core/bootstrap"
	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}

func InitializeDispatcher(p platform.Platform, strategy bootstrap.Strategy, logger log.Log, config autoscale.Config) *autoscale.Dispatcher {
	wire.Build(autoscale.New)
	return nil
}
