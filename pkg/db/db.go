// Package db opens the shared gorm connection.
package db

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormprometheus "gorm.io/plugin/prometheus"

	"github.com/prestalabs/prestapay/internal/config"
)

func Open(cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	conn, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          "prestapay",
		RefreshInterval: 15,
	})); err != nil {
		return nil, err
	}
	log.Info("database connected")
	return conn, nil
}

var Module = fx.Module("db",
	fx.Provide(Open),
)
