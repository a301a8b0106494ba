package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/timmy/tddf/internal/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 500 * time.Millisecond

// gormLogger routes gorm's SQL logging into the context logger.
type gormLogger struct {
	level gormlogger.LogLevel
}

// NewGormLogger returns a gorm logger at the named level: silent, error, warn or info.
func NewGormLogger(level string) gormlogger.Interface {
	return &gormLogger{level: parseGormLevel(level)}
}

func parseGormLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &gormLogger{level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		logger.CtxInfo(ctx, msg, args...)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		logger.CtxWarn(ctx, msg, args...)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		logger.CtxError(ctx, msg, args...)
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		logger.With(logger.Fields{"sql": sql, "rows": rows}).
			WithDuration(begin).
			Error(ctx, "Query failed: %v", err)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		logger.With(logger.Fields{"sql": sql, "rows": rows}).
			WithDuration(begin).
			Warn(ctx, "Slow query")
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		logger.With(logger.Fields{"sql": sql, "rows": rows}).
			WithDuration(begin).
			Debug(ctx, "Query")
	}
}
