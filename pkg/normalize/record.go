package normalize

import (
	"strconv"
	"strings"

	"comicfeed/pkg/htmldoc"
)

// Record 一条原始记录。JSON 对象按字段路径取值，HTML 元素按取值表达式取值。
type Record interface {
	Lookup(field string) (interface{}, bool)
}

// JSONRecord JSON 对象，字段支持 "author.name"、"images.0" 形式的路径
type JSONRecord map[string]interface{}

func (r JSONRecord) Lookup(field string) (interface{}, bool) {
	if r == nil {
		return nil, false
	}
	if v, ok := r[field]; ok {
		return v, v != nil
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}
	v, ok := Extract(map[string]interface{}(r), field)
	return v, ok && v != nil
}

// HTMLRecord HTML 元素
type HTMLRecord struct {
	El htmldoc.Element
}

func (r HTMLRecord) Lookup(field string) (interface{}, bool) {
	values, err := r.El.Values(field)
	if err != nil || len(values) == 0 {
		return nil, false
	}
	if len(values) == 1 {
		return values[0], true
	}
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out, true
}

// ValueRecord 列表中的裸字符串，例如图片 URL 数组的元素。
// 它没有字段，只有 NormalizePages 会直接使用其值。
type ValueRecord string

func (r ValueRecord) Lookup(string) (interface{}, bool) {
	return nil, false
}

// Records 把 JSON 数组转换为记录列表，非对象元素保留为空记录，归一化时计为丢弃
func Records(list []interface{}) []Record {
	out := make([]Record, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case map[string]interface{}:
			out = append(out, JSONRecord(v))
		case string:
			out = append(out, ValueRecord(v))
		default:
			out = append(out, JSONRecord(nil))
		}
	}
	return out
}

// Extract 按点分路径在 JSON 树中取值，数字段作为数组下标
func Extract(node interface{}, path string) (interface{}, bool) {
	path = strings.TrimSpace(path)
	if path == "" || path == "." {
		return node, true
	}
	cur := node
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case JSONRecord:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
