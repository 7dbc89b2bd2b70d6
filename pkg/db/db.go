package db

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/instill-ai/healthrecord-backend/config"
)

var (
	db   *gorm.DB
	once sync.Once
)

// DSN builds the PostgreSQL data source name of the configured database.
func DSN(databaseConfig config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=%s",
		databaseConfig.Host,
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Name,
		databaseConfig.Port,
		databaseConfig.TimeZone,
	)
}

// GetConnection returns a new connection to the configured database.
func GetConnection() (*gorm.DB, error) {
	databaseConfig := config.Config.Database

	conn, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  DSN(databaseConfig),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		QueryFields: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if config.Config.Server.Debug {
		conn.Logger = logger.Default.LogMode(logger.Info)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}

	pool := databaseConfig.Pool
	sqlDB.SetMaxIdleConns(pool.IdleConnections)
	sqlDB.SetMaxOpenConns(pool.MaxConnections)
	if pool.ConnLifeTime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnLifeTime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return conn, nil
}

// GetSharedConnection returns the process-wide database connection, opening
// it on first use.
func GetSharedConnection() *gorm.DB {
	once.Do(func() {
		var err error
		if db, err = GetConnection(); err != nil {
			panic(err)
		}
	})
	return db
}

// Close closes the connection pool behind conn.
func Close(conn *gorm.DB) {
	if conn == nil {
		return
	}
	if sqlDB, err := conn.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
