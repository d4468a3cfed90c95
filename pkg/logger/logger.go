// Package logger 提供基于 zap 的全局日志
//
// 所有 logger 都经过脱敏 core：口令、私钥、签名和原始交易字段只输出占位符，
// 签名材料不会出现在日志中
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Redacted 脱敏后的占位值
const Redacted = "[REDACTED]"

// sensitiveKeys 需要脱敏的字段名
var sensitiveKeys = map[string]struct{}{
	"passphrase":  {},
	"password":    {},
	"private_key": {},
	"signature":   {},
	"raw":         {},
	"raw_tx":      {},
}

type ctxKey struct{}

var (
	mu     sync.RWMutex
	global *zap.Logger
	level  = zap.NewAtomicLevel()
)

// Config 日志配置
type Config struct {
	Level       string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format      string `yaml:"format" json:"format"` // json, console
	Output      string `yaml:"output" json:"output"` // stdout, stderr
	ServiceName string `yaml:"service_name" json:"service_name"`
	Environment string `yaml:"environment" json:"environment"`
}

// Init 初始化全局日志，非法级别按 info 处理
func Init(cfg *Config) error {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	out := zapcore.Lock(os.Stdout)
	if cfg.Output == "stderr" {
		out = zapcore.Lock(os.Stderr)
	}

	fields := []zap.Field{zap.String("service", cfg.ServiceName)}
	if cfg.Environment != "" {
		fields = append(fields, zap.String("env", cfg.Environment))
	}

	l := zap.New(redactCore{zapcore.NewCore(enc, out, level)},
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	).With(fields...)

	mu.Lock()
	global = l
	mu.Unlock()
	return nil
}

// SetLevel 动态调整级别，非法值忽略
func SetLevel(s string) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return
	}
	level.SetLevel(lvl)
}

// ReplaceGlobal 替换全局 logger 并返回恢复函数，测试用
func ReplaceGlobal(l *zap.Logger) func() {
	wrapped := l.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return redactCore{c}
	}))

	mu.Lock()
	prev := global
	global = wrapped
	mu.Unlock()
	return func() {
		mu.Lock()
		global = prev
		mu.Unlock()
	}
}

// L 获取全局 logger，未初始化时使用 production 配置
func L() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		p, err := zap.NewProduction(zap.AddCallerSkip(1))
		if err != nil {
			p = zap.NewNop()
		}
		global = p.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return redactCore{c}
		}))
	}
	return global
}

// WithContext 取 context 中的 logger，没有时返回全局 logger
func WithContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
			return l
		}
	}
	return L()
}

// NewContext 派生带字段的 logger 放入 context
func NewContext(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(fields...))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// Sync 刷新缓冲
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return nil
	}
	return global.Sync()
}

// redactCore 写出前替换敏感字段
type redactCore struct {
	zapcore.Core
}

func (c redactCore) With(fields []zapcore.Field) zapcore.Core {
	return redactCore{c.Core.With(redact(fields))}
}

func (c redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redact(fields))
}

func redact(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if _, ok := sensitiveKeys[f.Key]; !ok {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = zap.String(f.Key, Redacted)
	}
	if out == nil {
		return fields
	}
	return out
}
