package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := loadFixture(t, "missing.toml"); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
CacheDir = "./data"
CacheTTL = "boom"
VirtualHostname = "origin.local"
`
	if _, err := loadTOML(t, cfg); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsBadLegacyServer(t *testing.T) {
	cfg := `
CacheDir = "./data"
HTTPServerOld = ["proxy.local:port"]
`
	if _, err := loadTOML(t, cfg); err == nil {
		t.Fatalf("无法解析的 HTTPServerOld 应失败")
	}
}

func TestLoadAcceptsNumericDurations(t *testing.T) {
	cfg := `
CacheDir = "./data"
VirtualHostname = "origin.local"
CacheTTL = 60
DNSRefreshPeriod = 1.5
`
	loaded, err := loadTOML(t, cfg)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.CacheTTL.DurationValue().Seconds(); got != 60 {
		t.Fatalf("CacheTTL 应为 60s, got %v", got)
	}
	if got := loaded.Global.DNSRefreshPeriod.DurationValue().Milliseconds(); got != 1500 {
		t.Fatalf("DNSRefreshPeriod 应为 1.5s, got %vms", got)
	}
	if len(loaded.EffectiveServers()) != 1 {
		t.Fatalf("未配置源站时应合成一个源站")
	}
}
