package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = time.Second

// gormLogger routes GORM logging through slog.
type gormLogger struct {
	level logger.LogLevel
}

func newGormLogger(level logger.LogLevel) *gormLogger {
	return &gormLogger{level: level}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	n := *l
	n.level = level
	return &n
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		slog.InfoContext(ctx, msg, slog.Any("data", data))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		slog.WarnContext(ctx, msg, slog.Any("data", data))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		slog.ErrorContext(ctx, msg, slog.Any("data", data))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		slog.ErrorContext(ctx, "SQL error", append(attrs, slog.Any("error", err))...)
	case elapsed > slowQuery && l.level >= logger.Warn:
		slog.WarnContext(ctx, "Slow SQL", attrs...)
	case l.level >= logger.Info:
		slog.DebugContext(ctx, "SQL", attrs...)
	}
}
