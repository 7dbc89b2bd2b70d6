package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/db/migration"

	database "github.com/instill-ai/healthrecord-backend/pkg/db"
	logx "github.com/instill-ai/x/log"
)

func dbExistsOrCreate(databaseConfig config.DatabaseConfig) error {
	datasource := fmt.Sprintf("host=%s user=%s password=%s dbname=postgres port=%d sslmode=disable TimeZone=%s",
		databaseConfig.Host,
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Port,
		databaseConfig.TimeZone,
	)

	db, err := sql.Open("postgres", datasource)
	if err != nil {
		return err
	}

	defer db.Close()

	// Open() may just validate its arguments without creating a connection to the database.
	// To verify that the data source name is valid, call Ping().
	if err = db.Ping(); err != nil {
		return err
	}

	var count int
	if err := db.QueryRow("SELECT count(*) FROM pg_catalog.pg_database WHERE datname = $1;", databaseConfig.Name).Scan(&count); err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	fmt.Printf("Create database %s\n", databaseConfig.Name)
	if _, err := db.Exec(fmt.Sprintf("CREATE DATABASE %q;", databaseConfig.Name)); err != nil {
		return err
	}

	return nil
}

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	logger, _ := logx.GetZapLogger(context.Background())
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	databaseConfig := config.Config.Database
	if err := dbExistsOrCreate(databaseConfig); err != nil {
		logger.Fatal("Unable to create database", zap.Error(err))
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		databaseConfig.Username,
		databaseConfig.Password,
		databaseConfig.Host,
		databaseConfig.Port,
		databaseConfig.Name,
		"sslmode=disable",
	)

	migrateFolder, _ := os.Getwd()
	m, err := migrate.New(fmt.Sprintf("file:///%s/pkg/db/migration", migrateFolder), dsn)
	if err != nil {
		logger.Fatal("Unable to read migrations", zap.Error(err))
	}

	expectedVersion := databaseConfig.Version
	if expectedVersion == 0 || expectedVersion > migration.TargetSchemaVersion {
		expectedVersion = migration.TargetSchemaVersion
	}

	curVersion, dirty, err := m.Version()
	if err != nil && curVersion != 0 {
		logger.Fatal("Unable to read schema version", zap.Error(err))
	}

	logger.Info("Schema version",
		zap.Uint("expected", expectedVersion),
		zap.Uint("current", curVersion),
		zap.Bool("dirty", dirty))
	if dirty {
		logger.Fatal("the database's dirty flag is set, please fix it")
	}

	db := database.GetSharedConnection()
	defer database.Close(db)
	codeMigrator := &migration.CodeMigrator{Logger: logger, DB: db}

	step := curVersion
	for {
		if expectedVersion <= step {
			logger.Info("Migration complete", zap.Uint("version", expectedVersion))
			break
		}

		logger.Info("Step up", zap.Uint("version", step+1))
		if err := m.Steps(1); err != nil {
			logger.Fatal("Migration step failed", zap.Error(err))
		}

		step, _, err = m.Version()
		if err != nil {
			logger.Fatal("Unable to read schema version", zap.Error(err))
		}

		if err := codeMigrator.Migrate(step); err != nil {
			logger.Fatal("Code migration failed", zap.Uint("version", step), zap.Error(err))
		}
	}
}
