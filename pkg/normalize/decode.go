package normalize

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/bytedance/sonic"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/htmldoc"
)

// ToUTF8 把响应体转换为 UTF-8。charset 为空或本身是 UTF-8 时原样返回。
func ToUTF8(body []byte, charset string) ([]byte, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8":
		return body, nil
	case "gbk", "gb2312", "gb18030":
		// 国内站点最常见的情况，走 GB18030 解码器（GBK 的超集）
		return io.ReadAll(transform.NewReader(bytes.NewReader(body), simplifiedchinese.GB18030.NewDecoder()))
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(transform.NewReader(bytes.NewReader(body), enc.NewDecoder()))
}

// charsetOf 从 Content-Type 中取 charset
func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// Payload 解码后的响应：JSON 树或 HTML 文档
type Payload struct {
	json interface{}
	doc  *htmldoc.Document
}

// Decode 按提示与 Content-Type 解码响应体，整个响应无法解析时返回 NormalizationFailed
func Decode(body []byte, contentType string, hints SchemaHints) (*Payload, error) {
	charset := hints.Charset
	if charset == "" {
		charset = charsetOf(contentType)
	}
	utf8Body, err := ToUTF8(body, charset)
	if err != nil {
		return nil, errs.Wrap(errs.KindNormalizationFailed, "decode charset "+charset, err).WithProvider(hints.Provider)
	}

	if hints.format(contentType) == FormatHTML {
		doc, err := htmldoc.Parse(utf8Body)
		if err != nil {
			return nil, errs.Wrap(errs.KindNormalizationFailed, "parse html", err).WithProvider(hints.Provider)
		}
		return &Payload{doc: doc}, nil
	}

	var root interface{}
	if err := sonic.Unmarshal(utf8Body, &root); err != nil {
		return nil, errs.Wrap(errs.KindNormalizationFailed, "parse json", err).WithProvider(hints.Provider)
	}
	return &Payload{json: root}, nil
}

// IsHTML 是否为 HTML 负载
func (p *Payload) IsHTML() bool {
	return p.doc != nil
}

// Root 返回根记录
func (p *Payload) Root() Record {
	if p.doc != nil {
		return HTMLRecord{El: p.doc.Root()}
	}
	if m, ok := p.json.(map[string]interface{}); ok {
		return JSONRecord(m)
	}
	return JSONRecord(nil)
}

// Object 取路径或选择器指向的对象，path 为空时返回根
func (p *Payload) Object(path string) (Record, error) {
	if p.doc != nil {
		if path == "" {
			return p.Root(), nil
		}
		els, err := p.doc.Select(path)
		if err != nil {
			return nil, errs.Wrap(errs.KindNormalizationFailed, "select "+path, err)
		}
		if len(els) == 0 {
			return nil, errs.Newf(errs.KindNormalizationFailed, "no element matches %q", path)
		}
		return HTMLRecord{El: els[0]}, nil
	}

	node, ok := Extract(p.json, path)
	if !ok {
		return nil, errs.Newf(errs.KindNormalizationFailed, "path %q not found", path)
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindNormalizationFailed, "path %q is not an object", path)
	}
	return JSONRecord(m), nil
}

// List 取路径或选择器指向的列表。路径缺失或为 null 视为空列表，类型不符视为无法解析。
func (p *Payload) List(path string) ([]Record, error) {
	if p.doc != nil {
		if path == "" {
			return nil, errs.New(errs.KindNormalizationFailed, "html list requires a selector")
		}
		els, err := p.doc.Select(path)
		if err != nil {
			return nil, errs.Wrap(errs.KindNormalizationFailed, "select "+path, err)
		}
		out := make([]Record, len(els))
		for i, el := range els {
			out[i] = HTMLRecord{El: el}
		}
		return out, nil
	}

	node, ok := Extract(p.json, path)
	if !ok || node == nil {
		return []Record{}, nil
	}
	list, ok := node.([]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindNormalizationFailed, "path %q is not a list", path)
	}
	return Records(list), nil
}
