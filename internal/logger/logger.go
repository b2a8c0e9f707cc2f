package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	mu     sync.RWMutex
)

func init() {
	l, err := New("info")
	if err != nil {
		panic(err)
	}
	global = l
}

// New 按级别创建生产环境日志实例
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.MessageKey = "msg"
	return config.Build()
}

// Init 按配置的级别重建全局日志实例
func Init(level string) error {
	l, err := New(level)
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Get 获取全局日志实例
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Set 替换全局日志实例，测试中可注入 zaptest/observer
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	global = l
	mu.Unlock()
}
