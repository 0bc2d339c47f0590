package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Key 由提供商、逻辑操作和参数组成确定性的缓存键。
// 参数按键名排序，相同的逻辑请求无论参数顺序如何都会落到同一个槽位。
func Key(provider, operation string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(Prefix(provider, operation))

	if len(params) == 0 {
		return b.String()
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	b.WriteByte('?')
	for i, k := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(strings.TrimSpace(params[k])))
	}
	return b.String()
}

// Prefix 返回某个提供商某个操作的键前缀，用于批量失效
func Prefix(provider, operation string) string {
	p := strings.ToLower(strings.TrimSpace(provider)) + ":"
	if operation != "" {
		p += operation
	}
	return p
}
