package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clientportal/internal/audit"
	"github.com/smallbiznis/clientportal/internal/authorization"
	"github.com/smallbiznis/clientportal/internal/clock"
	"github.com/smallbiznis/clientportal/internal/config"
	"github.com/smallbiznis/clientportal/internal/lock"
	"github.com/smallbiznis/clientportal/internal/migration"
	"github.com/smallbiznis/clientportal/internal/observability"
	"github.com/smallbiznis/clientportal/internal/payment"
	"github.com/smallbiznis/clientportal/internal/project"
	"github.com/smallbiznis/clientportal/internal/server"
	"github.com/smallbiznis/clientportal/internal/task"
	"github.com/smallbiznis/clientportal/internal/ticket"
	"github.com/smallbiznis/clientportal/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		authorization.Module,
		audit.Module,

		// Portal domains
		project.Module,
		task.Module,
		ticket.Module,
		payment.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
