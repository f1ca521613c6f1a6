package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := loadFixture(t, "valid.toml")
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.CacheTTL.DurationValue() != 300*time.Second {
		t.Fatalf("CacheTTL 应该自动填充默认值, got %s", cfg.Global.CacheTTL.DurationValue())
	}
	if !filepath.IsAbs(cfg.Global.CacheDir) {
		t.Fatalf("CacheDir 应转换为绝对路径: %s", cfg.Global.CacheDir)
	}
	if cfg.Global.ListenPort != 8800 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.IdleTimeout.DurationValue() != 3*time.Second {
		t.Fatalf("IdleTimeout 应解析为 3s, got %s", cfg.Global.IdleTimeout.DurationValue())
	}
	if cfg.Global.ConnectionTimeout.DurationValue() != 2*time.Second {
		t.Fatalf("ConnectionTimeout 默认应为 2s")
	}
	if !cfg.Global.CleanupEnabled || cfg.Global.CleanupHighWatermark != 1.0 || cfg.Global.CleanupLowWatermark != 0.6 {
		t.Fatalf("清理参数默认值错误: %+v", cfg.Global)
	}
	if cfg.Global.VirtualPath != "/media" {
		t.Fatalf("VirtualPath 应去掉结尾斜杠, got %q", cfg.Global.VirtualPath)
	}
	if cfg.Global.VirtualPort != 80 {
		t.Fatalf("VirtualPort 默认应为 80")
	}
}

func TestLoadMergesServers(t *testing.T) {
	cfg, err := loadFixture(t, "valid.toml")
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	want := []ServerConfig{
		{Hostname: "proxy-a.example.com", Port: DefaultProxyPort, Priority: 1},
		{Hostname: "proxy-c.example.com", Port: 3129, Priority: 3},
		{Hostname: "proxy-b.example.com", Port: 8080, Priority: 2},
	}
	if len(cfg.Servers) != len(want) {
		t.Fatalf("源站数量错误: %+v", cfg.Servers)
	}
	for i := range want {
		if cfg.Servers[i] != want[i] {
			t.Fatalf("第 %d 个源站错误: got %+v want %+v", i, cfg.Servers[i], want[i])
		}
	}
}

func TestValidateRejectsBadWatermarks(t *testing.T) {
	if _, err := loadFixture(t, "missing.toml"); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"cache size", func(c *Config) { c.Global.CacheSize = 0 }, "Global.CacheSize"},
		{"high watermark", func(c *Config) { c.Global.CleanupHighWatermark = 1.5 }, "Global.CleanupHighWatermark"},
		{"low above high", func(c *Config) { c.Global.CleanupLowWatermark = 0.9; c.Global.CleanupHighWatermark = 0.8 }, "Global.CleanupLowWatermark"},
		{"idle timeout", func(c *Config) { c.Global.IdleTimeout = 0 }, "Global.IdleTimeout"},
		{"virtual path", func(c *Config) { c.Global.VirtualPath = "media" }, "Global.VirtualPath"},
		{"server port", func(c *Config) { c.Servers = []ServerConfig{{Hostname: "a", Port: 0}} }, "HTTPServer[0].Port"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			fieldErr, ok := err.(FieldError)
			if !ok {
				t.Fatalf("应返回 FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("字段错误: got %s want %s", fieldErr.Field, tc.field)
			}
		})
	}
}

func TestValidateRequiresVirtualHostnameWithoutServers(t *testing.T) {
	cfg := validConfig()
	cfg.Servers = nil
	if err := cfg.Validate(); err != nil {
		t.Fatalf("提供 VirtualHostname 时不应报错: %v", err)
	}
	cfg.Global.VirtualHostname = ""
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("未配置源站且缺少 VirtualHostname 时应返回 ErrInvalid, got %v", err)
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.VirtualHostname" {
		t.Fatalf("错误字段应为 Global.VirtualHostname, got %v", err)
	}
}

func TestEffectiveServersFallsBackToVirtualHost(t *testing.T) {
	cfg := validConfig()
	cfg.Servers = nil
	servers := cfg.EffectiveServers()
	if len(servers) != 1 || servers[0].Hostname != "origin.local" || servers[0].Port != 8080 {
		t.Fatalf("应使用 VirtualHostname:VirtualPort, got %+v", servers)
	}
}

func TestParseLegacyServer(t *testing.T) {
	testCases := []struct {
		raw       string
		want      ServerConfig
		shouldErr bool
	}{
		{"proxy.local", ServerConfig{Hostname: "proxy.local", Port: 3128, Priority: 1}, false},
		{"proxy.local:8080", ServerConfig{Hostname: "proxy.local", Port: 8080, Priority: 1}, false},
		{"Proxy.Local#4", ServerConfig{Hostname: "proxy.local", Port: 3128, Priority: 4}, false},
		{"proxy.local:81#2", ServerConfig{Hostname: "proxy.local", Port: 81, Priority: 2}, false},
		{"proxy.local:abc", ServerConfig{}, true},
		{":80", ServerConfig{}, true},
		{"", ServerConfig{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseLegacyServer(tc.raw)
			if tc.shouldErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:           8800,
			CacheDir:             "./cache",
			CacheSize:            1024,
			CleanupEnabled:       true,
			CleanupHighWatermark: 1.0,
			CleanupLowWatermark:  0.6,
			CacheTTL:             Duration(time.Minute),
			VirtualHostname:      "origin.local",
			VirtualPort:          8080,
			DNSRefreshPeriod:     Duration(time.Minute),
			ConnectionTimeout:    Duration(time.Second),
			IdleTimeout:          Duration(time.Second),
			StatsUpdatePeriod:    Duration(time.Second),
		},
		Servers: []ServerConfig{
			{Hostname: "proxy.local", Port: 3128, Priority: 1},
		},
	}
}
