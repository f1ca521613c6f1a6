package config

import (
	"errors"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.CacheDir == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.CacheSize <= 0 {
		return newFieldError("Global.CacheSize", "必须大于 0")
	}
	if g.CleanupHighWatermark < 0 || g.CleanupHighWatermark > 1 {
		return newFieldError("Global.CleanupHighWatermark", "必须在 0-1")
	}
	if g.CleanupLowWatermark < 0 || g.CleanupLowWatermark > 1 {
		return newFieldError("Global.CleanupLowWatermark", "必须在 0-1")
	}
	if g.CleanupLowWatermark > g.CleanupHighWatermark {
		return newFieldError("Global.CleanupLowWatermark", "不能大于 CleanupHighWatermark")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.VirtualPort <= 0 || g.VirtualPort > 65535 {
		return newFieldError("Global.VirtualPort", "必须在 1-65535")
	}
	if g.VirtualPath != "" && !strings.HasPrefix(g.VirtualPath, "/") {
		return newFieldError("Global.VirtualPath", "必须以 / 开头")
	}
	if g.DNSRefreshPeriod.DurationValue() <= 0 {
		return newFieldError("Global.DNSRefreshPeriod", "必须大于 0")
	}
	if g.ConnectionTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ConnectionTimeout", "必须大于 0")
	}
	if g.IdleTimeout.DurationValue() <= 0 {
		return newFieldError("Global.IdleTimeout", "必须大于 0")
	}
	if g.StatsUpdatePeriod.DurationValue() <= 0 {
		return newFieldError("Global.StatsUpdatePeriod", "必须大于 0")
	}

	if len(c.Servers) == 0 {
		if err := validateHostname(g.VirtualHostname); err != nil {
			return wrapFieldError("Global.VirtualHostname", "未配置 HTTPServer 时必须提供", err)
		}
		return nil
	}

	for i, server := range c.Servers {
		if err := validateHostname(server.Hostname); err != nil {
			return wrapFieldError(serverField(i, "Hostname"), "主机名不合法", err)
		}
		if server.Port <= 0 || server.Port > 65535 {
			return newFieldError(serverField(i, "Port"), "必须在 1-65535")
		}
		if server.Priority < 0 {
			return newFieldError(serverField(i, "Priority"), "不能为负数")
		}
	}

	return nil
}

func validateHostname(host string) error {
	if host == "" {
		return errors.New("主机名不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("主机名不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("主机名不允许包含空格")
	}
	if strings.HasPrefix(host, "http:") || strings.HasPrefix(host, "https:") {
		return errors.New("主机名不应包含协议头")
	}
	return nil
}
