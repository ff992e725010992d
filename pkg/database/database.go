package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/model"
	"exam_session_engine/internal/sessionstore"
	"exam_session_engine/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// InitDB 连接 MySQL。release 模式下仅在 ForceMigrate 时执行迁移
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=Local",
		dbCfg.User,
		dbCfg.Password,
		dbCfg.Host,
		dbCfg.Port,
		dbCfg.DBName,
		dbCfg.Charset,
		dbCfg.ParseTime,
	)

	logLevel := gormlogger.Warn
	if cfg.Server.Mode == "debug" {
		logLevel = gormlogger.Info
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Database connection established", zap.String("host", dbCfg.Host), zap.String("db", dbCfg.DBName))

	if cfg.Server.Mode != "release" || cfg.ForceMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Migrate 建表：题库、作答、逐题得分与会话记录
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.Exam{},
		&model.ExamPart{},
		&model.ExamQuestion{},
		&model.ExamAttempt{},
		&model.AttemptAnswer{},
		&model.SessionRecord{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Log.Info("Database migration completed")
	return nil
}

// OpenSessionSQL 为 sqlite/postgres 会话存储打开独立连接
func OpenSessionSQL(ctx context.Context, store, dsn string) (*sql.DB, sessionstore.Dialect, error) {
	var (
		driver  string
		dialect sessionstore.Dialect
	)
	switch store {
	case "sqlite":
		driver, dialect = "sqlite", sessionstore.DialectSQLite
		if dsn == "" {
			dsn = "file:sessions.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case "postgres":
		driver, dialect = "pgx", sessionstore.DialectPostgres
		if dsn == "" {
			return nil, "", fmt.Errorf("session.sql_dsn is required for postgres")
		}
	default:
		return nil, "", fmt.Errorf("session store %q is not a sql store", store)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", err
	}
	if dialect == sessionstore.DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, "", err
	}
	logger.Log.Info("Session store connection established", zap.String("driver", driver))
	return db, dialect, nil
}
