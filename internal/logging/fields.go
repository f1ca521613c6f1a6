package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResourceFields 合并请求行与资源统计字段（cache-status、cache-read），供访问日志复用。
func ResourceFields(method, path string, status int, resource logrus.Fields) logrus.Fields {
	fields := logrus.Fields{
		"action": "serve",
		"method": method,
		"path":   path,
		"status": status,
	}
	for k, v := range resource {
		fields[k] = v
	}
	return fields
}
