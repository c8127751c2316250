package logger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SlowSQLThreshold 超过该耗时的 SQL 以 Warn 级别记录
const SlowSQLThreshold = 200 * time.Millisecond

// GormLogger 把 gorm 的日志转到 zap，仓储提交和订阅进度的 SQL 都经过这里
type GormLogger struct {
	ZapLogger *zap.Logger
	LogLevel  gormlogger.LogLevel
}

// NewGormLogger 创建 GORM 日志器，gormLogLevel: 4 Info，3 Warn，2 Error，1 Silent
func NewGormLogger(baseLogger *zap.Logger, gormLogLevel int) gormlogger.Interface {
	return &GormLogger{
		ZapLogger: OrDefault(baseLogger).Named("gorm"),
		LogLevel:  gormlogger.LogLevel(gormLogLevel),
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &GormLogger{
		ZapLogger: l.ZapLogger,
		LogLevel:  level,
	}
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		l.ZapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		l.ZapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		l.ZapLogger.Sugar().Errorf(msg, data...)
	}
}

// Trace 记录每条 SQL；记录不存在属于正常的查询结果，不按错误记录
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	}
	if id := commandIDFrom(ctx); id != "" {
		fields = append(fields, zap.String(string(CommandIDKey), id))
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= gormlogger.Error:
		l.ZapLogger.Error("SQL错误", append(fields, zap.Error(err))...)
	case elapsed > SlowSQLThreshold && l.LogLevel >= gormlogger.Warn:
		l.ZapLogger.Warn("慢SQL", fields...)
	case l.LogLevel >= gormlogger.Info:
		l.ZapLogger.Debug("SQL", fields...)
	}
}

func commandIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return CommandID(ctx)
}
