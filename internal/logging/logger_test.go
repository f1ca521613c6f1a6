package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/any-hub/origin-cache/internal/config"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "origin-cache.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "origin-cache.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestResourceFieldsMergesStatistics(t *testing.T) {
	fields := ResourceFields("GET", "/a.mp4", 206, map[string]interface{}{
		"cache-status": "cache-hit",
		"cache-read":   int64(42),
	})
	if fields["action"] != "serve" || fields["status"] != 206 {
		t.Fatalf("请求字段缺失: %v", fields)
	}
	if fields["cache-status"] != "cache-hit" || fields["cache-read"] != int64(42) {
		t.Fatalf("统计字段未合并: %v", fields)
	}
}

func TestInitLoggerEmptyLevelIsInfo(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{})
	if err != nil {
		t.Fatalf("空级别不应报错: %v", err)
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("空级别应为 info，得到 %s", logger.GetLevel())
	}
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "loud"}); err == nil {
		t.Fatalf("未知级别应报错")
	}
}

func TestFormatterWritesEventKey(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.WithField("action", "probe").Info("probe_done")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("日志应为 JSON: %v", err)
	}
	if line["event"] != "probe_done" || line["action"] != "probe" {
		t.Fatalf("日志字段错误: %v", line)
	}
}

func TestComponentAddsField(t *testing.T) {
	logger, hook := test.NewNullLogger()
	Component(logger, "cache").Info("usage_estimated")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("应记录日志")
	}
	if entry.Data["component"] != "cache" {
		t.Fatalf("缺少 component 字段: %v", entry.Data)
	}
}
