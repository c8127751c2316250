package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
)

type ContextKey string

const (
	CommandIDKey     ContextKey = "JXT-Command-Id"
	CorrelationIDKey ContextKey = "JXT-Correlation-Id"
	LoggerKey        ContextKey = "_jxt-cqrs-zap-logger"
)

var (
	Logger        = zap.NewNop()   //全局ZapLogger打印，Setup 之前为空实现
	DefaultLogger = Logger.Sugar() //全局SugarLogger打印，用于简易打印
)

// WithCommand 把带有命令ID和关联ID的 logger 放进上下文，处理器里用 FromContext 取出
func WithCommand(ctx context.Context, base *zap.Logger, commandID, correlationID string) context.Context {
	if base == nil {
		base = Logger
	}
	ctx = context.WithValue(ctx, CommandIDKey, commandID)
	ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
	l := base.With(
		zap.String(string(CommandIDKey), commandID),
		zap.String(string(CorrelationIDKey), correlationID),
	)
	return context.WithValue(ctx, LoggerKey, l)
}

// FromContext 从上下文获得logger，没有时返回全局 Logger
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(LoggerKey).(*zap.Logger); ok {
			return l
		}
	}
	return Logger
}

// CommandID 从上下文获得当前命令ID
func CommandID(ctx context.Context) string {
	id, _ := ctx.Value(CommandIDKey).(string)
	return id
}

// OrDefault 组件未注入 logger 时退回全局 Logger
func OrDefault(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Logger
}

func Info(args ...interface{}) {
	DefaultLogger.Info(args...)
}

func Infof(template string, args ...interface{}) {
	DefaultLogger.Infof(template, args...)
}

func Debug(args ...interface{}) {
	DefaultLogger.Debug(args...)
}

func Debugf(template string, args ...interface{}) {
	DefaultLogger.Debugf(template, args...)
}

func Warn(args ...interface{}) {
	DefaultLogger.Warn(args...)
}

func Warnf(template string, args ...interface{}) {
	DefaultLogger.Warnf(template, args...)
}

func Error(args ...interface{}) {
	DefaultLogger.Error(args...)
}

func Errorf(template string, args ...interface{}) {
	DefaultLogger.Errorf(template, args...)
}

func Fatal(args ...interface{}) {
	DefaultLogger.Fatal(args...)
	os.Exit(1)
}

func Fatalf(template string, args ...interface{}) {
	DefaultLogger.Fatalf(template, args...)
	os.Exit(1)
}
