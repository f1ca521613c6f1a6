package urlutil

import (
	"path/filepath"
	"strings"

	"github.com/any-hub/origin-cache/internal/fileprovider"
)

// SecureJoin 把逐级名字拼接到 root 下，拒绝包含分隔符的名字和跳出 root 的结果。
func SecureJoin(root string, names ...string) (string, error) {
	root = filepath.Clean(root)
	result := root
	for _, name := range names {
		if name == "" || name == "." || name == ".." {
			return "", fileprovider.NewError(fileprovider.ErrInsecure, "invalid path component %q", name)
		}
		if strings.ContainsRune(name, filepath.Separator) || strings.ContainsRune(name, '/') {
			return "", fileprovider.NewError(fileprovider.ErrInsecure, "path component %q contains a separator", name)
		}
		result = filepath.Join(result, name)
	}
	if len(names) > 0 && !isStrictDescendant(root, result) {
		return "", fileprovider.NewError(fileprovider.ErrInsecure, "%q escapes %q", result, root)
	}
	return result, nil
}

func isStrictDescendant(root, candidate string) bool {
	if candidate == root {
		return false
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(candidate, prefix)
}
