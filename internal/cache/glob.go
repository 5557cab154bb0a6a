package cache

import (
	"path"
	"strings"
)

// IsPattern 是否包含通配符
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// MatchPattern glob 匹配 (* ? [])，非法模式按精确匹配处理
func MatchPattern(pattern, key string) bool {
	if !IsPattern(pattern) {
		return pattern == key
	}
	// 键中的 / 不作为路径分隔
	p := strings.ReplaceAll(pattern, "/", "\x00")
	k := strings.ReplaceAll(key, "/", "\x00")
	ok, err := path.Match(p, k)
	if err != nil {
		return pattern == key
	}
	return ok
}
