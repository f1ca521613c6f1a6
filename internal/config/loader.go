package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	if err := mergeLegacyServers(&cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Servers {
		applyServerDefaults(&cfg.Servers[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8800)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("Path", "")
	v.SetDefault("CacheDir", "/tmp/httpserver")
	v.SetDefault("CacheSize", 1000*1024*1024)
	v.SetDefault("CleanupEnabled", true)
	v.SetDefault("CleanupHighWatermark", 1.0)
	v.SetDefault("CleanupLowWatermark", 0.6)
	v.SetDefault("CacheTTL", 300)
	v.SetDefault("CacheRealm", "")
	v.SetDefault("VirtualPort", 80)
	v.SetDefault("VirtualPath", "")
	v.SetDefault("DNSRefreshPeriod", 60)
	v.SetDefault("ConnectionTimeout", 2)
	v.SetDefault("IdleTimeout", 5)
	v.SetDefault("StatsUpdatePeriod", 10)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8800
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(300 * time.Second)
	}
	if g.DNSRefreshPeriod.DurationValue() == 0 {
		g.DNSRefreshPeriod = Duration(60 * time.Second)
	}
	if g.ConnectionTimeout.DurationValue() == 0 {
		g.ConnectionTimeout = Duration(2 * time.Second)
	}
	if g.IdleTimeout.DurationValue() == 0 {
		g.IdleTimeout = Duration(5 * time.Second)
	}
	if g.StatsUpdatePeriod.DurationValue() == 0 {
		g.StatsUpdatePeriod = Duration(10 * time.Second)
	}
	g.VirtualHostname = strings.ToLower(strings.TrimSpace(g.VirtualHostname))
	g.VirtualPath = strings.TrimRight(g.VirtualPath, "/")
}

func applyServerDefaults(s *ServerConfig) {
	s.Hostname = strings.ToLower(strings.TrimSpace(s.Hostname))
	if s.Port == 0 {
		s.Port = DefaultProxyPort
	}
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
}

// mergeLegacyServers 把 HTTPServerOld 字符串追加到 HTTPServer 列表。
func mergeLegacyServers(cfg *Config) error {
	for idx, raw := range cfg.Global.HTTPServerOld {
		server, err := ParseLegacyServer(raw)
		if err != nil {
			return newFieldError(serverField(idx, "HTTPServerOld"), err.Error())
		}
		cfg.Servers = append(cfg.Servers, server)
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
