package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/blockberries/replayberry/pkg/logging"
)

// Supported SQL dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// ErrUnknownDialect is returned by Open for an unsupported dialect.
var ErrUnknownDialect = errors.New("unknown index dialect")

// Open connects to the index database and migrates its schema.
func Open(dialect, dsn string, logger *logging.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dialect {
	case DialectSQLite, "":
		dialector = sqlite.Open(dsn)
	case DialectPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, dialect)
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(logger.WithComponent("sql")),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s index: %w", dialect, err)
	}

	// A private in-memory SQLite database lives on a single connection.
	if dialect != DialectPostgres && isMemoryDSN(dsn) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("migrating index schema: %w", err)
	}
	return db, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// gormLogger routes GORM logs through the replayberry logger.
type gormLogger struct {
	logger        *logging.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

func newGormLogger(logger *logging.Logger) *gormLogger {
	return &gormLogger{
		logger:        logger,
		level:         gormlogger.Warn,
		slowThreshold: 500 * time.Millisecond,
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "sql failed",
			logging.Duration(elapsed),
			logging.Count(int(rows)),
			logging.Reason(sql),
			logging.Error(err))
	case elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "slow sql",
			logging.Duration(elapsed),
			logging.Count(int(rows)),
			logging.Reason(sql))
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.DebugContext(ctx, "sql",
			logging.Duration(elapsed),
			logging.Count(int(rows)),
			logging.Reason(sql))
	}
}
