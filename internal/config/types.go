package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultProxyPort 为 HTTPServer 未填写端口时使用的端口。
	DefaultProxyPort = 3128
	// DefaultPriority 为 HTTPServer 未填写优先级时使用的值。
	DefaultPriority = 1
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级参数：监听、日志、缓存目录与源站访问。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// Path 为对外提供的逻辑路径根，对应源站的 VirtualPath。
	Path                 string   `mapstructure:"Path"`
	CacheDir             string   `mapstructure:"CacheDir"`
	CacheSize            int64    `mapstructure:"CacheSize"`
	CleanupEnabled       bool     `mapstructure:"CleanupEnabled"`
	CleanupHighWatermark float64  `mapstructure:"CleanupHighWatermark"`
	CleanupLowWatermark  float64  `mapstructure:"CleanupLowWatermark"`
	CacheTTL             Duration `mapstructure:"CacheTTL"`
	CacheRealm           string   `mapstructure:"CacheRealm"`

	VirtualHostname   string   `mapstructure:"VirtualHostname"`
	VirtualPort       int      `mapstructure:"VirtualPort"`
	VirtualPath       string   `mapstructure:"VirtualPath"`
	DNSRefreshPeriod  Duration `mapstructure:"DNSRefreshPeriod"`
	ConnectionTimeout Duration `mapstructure:"ConnectionTimeout"`
	IdleTimeout       Duration `mapstructure:"IdleTimeout"`
	StatsUpdatePeriod Duration `mapstructure:"StatsUpdatePeriod"`
	HTTPServerOld     []string `mapstructure:"HTTPServerOld"`
}

// ServerConfig 描述一个源站（或其前置代理）的地址与优先级，数值越小越优先。
type ServerConfig struct {
	Hostname string `mapstructure:"Hostname"`
	Port     int    `mapstructure:"Port"`
	Priority int    `mapstructure:"Priority"`
}

// Address 输出 host:port 形式，供日志字段使用。
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Servers []ServerConfig `mapstructure:"HTTPServer"`
}

// ParseLegacyServer 解析 host[:port][#priority] 形式的旧版源站写法。
func ParseLegacyServer(raw string) (ServerConfig, error) {
	entry := strings.TrimSpace(raw)
	server := ServerConfig{Port: DefaultProxyPort, Priority: DefaultPriority}
	if entry == "" {
		return server, fmt.Errorf("源站地址为空")
	}

	if idx := strings.LastIndex(entry, "#"); idx >= 0 {
		prio, err := strconv.Atoi(strings.TrimSpace(entry[idx+1:]))
		if err != nil {
			return server, fmt.Errorf("无法解析优先级 %q: %w", raw, err)
		}
		server.Priority = prio
		entry = entry[:idx]
	}
	if idx := strings.LastIndex(entry, ":"); idx >= 0 {
		port, err := strconv.Atoi(strings.TrimSpace(entry[idx+1:]))
		if err != nil {
			return server, fmt.Errorf("无法解析端口 %q: %w", raw, err)
		}
		server.Port = port
		entry = entry[:idx]
	}
	server.Hostname = strings.ToLower(strings.TrimSpace(entry))
	if server.Hostname == "" {
		return server, fmt.Errorf("源站缺少主机名: %s", raw)
	}
	return server, nil
}

// EffectiveServers 返回实际使用的源站列表；未配置任何源站时以 VirtualHostname:VirtualPort 代替。
func (c *Config) EffectiveServers() []ServerConfig {
	if len(c.Servers) > 0 {
		return c.Servers
	}
	return []ServerConfig{{
		Hostname: c.Global.VirtualHostname,
		Port:     c.Global.VirtualPort,
		Priority: DefaultPriority,
	}}
}
