package normalize

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var defaultTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	time.RFC1123,
	time.RFC1123Z,
}

// lookup 取第一个存在、非 null、非空的候选值
func lookup(rec Record, candidates []string) (interface{}, bool) {
	if rec == nil {
		return nil, false
	}
	for _, c := range candidates {
		v, ok := rec.Lookup(c)
		if !ok || isEmpty(v) {
			continue
		}
		return v, true
	}
	return nil, false
}

func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []interface{}:
		return len(x) == 0
	case map[string]interface{}:
		return len(x) == 0
	}
	return false
}

// StringField 解析字符串字段，缺失返回空串
func StringField(rec Record, candidates []string) string {
	v, ok := lookup(rec, candidates)
	if !ok {
		return ""
	}
	return toString(v)
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case map[string]interface{}:
		// 常见的 {name: ...} / {title: ...} 包装
		for _, k := range []string{"name", "title", "value"} {
			if s, ok := x[k].(string); ok {
				return strings.TrimSpace(s)
			}
		}
		return ""
	case []interface{}:
		if len(x) > 0 {
			return toString(x[0])
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// StringsField 解析字符串列表，逗号分隔的字符串会被拆开，缺失返回空切片
func StringsField(rec Record, candidates []string) []string {
	v, ok := lookup(rec, candidates)
	if !ok {
		return []string{}
	}
	return toStrings(v)
}

func toStrings(v interface{}) []string {
	out := []string{}
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	switch x := v.(type) {
	case []interface{}:
		for _, item := range x {
			add(toString(item))
		}
	case string:
		for _, part := range strings.Split(x, ",") {
			add(part)
		}
	default:
		add(toString(x))
	}
	return out
}

// FloatField 解析数值字段，支持数字字符串
func FloatField(rec Record, candidates []string) (float64, bool) {
	v, ok := lookup(rec, candidates)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// IntField 解析整数字段
func IntField(rec Record, candidates []string) (int, bool) {
	f, ok := FloatField(rec, candidates)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// BoolField 解析布尔字段，接受 true/false、1/0 与 "yes"/"no"
func BoolField(rec Record, candidates []string) (bool, bool) {
	v, ok := lookup(rec, candidates)
	if !ok {
		return false, false
	}
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// TimeField 解析时间字段：Unix 秒或毫秒，或按 layouts 解析的字符串
func TimeField(rec Record, candidates []string, layouts []string) *time.Time {
	v, ok := lookup(rec, candidates)
	if !ok {
		return nil
	}
	if f, ok := toFloat(v); ok {
		if f <= 0 {
			return nil
		}
		var t time.Time
		if f > 1e12 {
			t = time.UnixMilli(int64(f)).UTC()
		} else {
			t = time.Unix(int64(f), 0).UTC()
		}
		return &t
	}

	s := toString(v)
	if len(layouts) == 0 {
		layouts = defaultTimeLayouts
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// resolveURL 把相对链接解析为基于 base 的绝对地址
func resolveURL(base, ref string) string {
	if ref == "" || base == "" {
		return ref
	}
	if strings.HasPrefix(ref, "//") {
		if b, err := url.Parse(base); err == nil && b.Scheme != "" {
			return b.Scheme + ":" + ref
		}
		return "https:" + ref
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
