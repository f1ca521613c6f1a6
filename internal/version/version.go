package version

import (
	"fmt"
	"runtime"
)

// Version/Commit 可在构建时通过 -ldflags 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI 与启动日志使用的版本串，附带编译所用的 Go 版本。
func Full() string {
	return fmt.Sprintf("origin-cache %s (%s, %s)", Version, Commit, runtime.Version())
}
