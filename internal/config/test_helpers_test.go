package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// loadFixture 加载 testdata 下的配置。
func loadFixture(t *testing.T, name string) (*Config, error) {
	t.Helper()
	return Load(filepath.Join("testdata", name))
}

// loadTOML 把内联 TOML 写入临时文件后加载。
func loadTOML(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return Load(path)
}
