package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/clientportal/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		dbType := strings.ToLower(strings.TrimSpace(cfg.DBType))
		log.Info("applying migrations", zap.String("db_type", dbType))
		switch dbType {
		case "postgres", "":
			return RunMigrations(sqlDB)
		case "sqlite":
			return ApplyStatements(context.Background(), sqlDB)
		case "mysql":
			log.Warn("mysql schema is applied out of band, skipping migrations")
			return nil
		default:
			return fmt.Errorf("unsupported database type %q", dbType)
		}
	}),
)
