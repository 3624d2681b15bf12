package logger

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"kms-connect/backend/config"
)

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(&config.LogConfig{Level: "loud", Format: "json"})
	if err == nil {
		t.Fatal("无效日志级别应返回错误")
	}
}

func TestNewLogger_Console(t *testing.T) {
	l, err := NewLogger(&config.LogConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger 应成功: %v", err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug 级别应启用")
	}
}

func TestNewLogger_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := NewLogger(&config.LogConfig{
		Level:  "info",
		Format: "json",
		File:   config.LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("NewLogger 应成功: %v", err)
	}

	l.Info("写入文件")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if len(data) == 0 {
		t.Error("日志文件不应为空")
	}
}
