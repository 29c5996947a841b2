package migration

import (
	"github.com/smallbiznis/invora/internal/config"
	"github.com/smallbiznis/invora/internal/invoice/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The versioned migrations are written for postgres; sqlite and
			// mysql deployments get the schema from the model definitions.
			return conn.AutoMigrate(&domain.Invoice{}, &domain.LineItem{})
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
