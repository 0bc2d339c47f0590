// Package htmldoc 封装 HTML 页面解析：CSS 选择器由 goquery 提供，XPath 由 htmlquery 提供。
//
// 取值表达式语法：
//
//	".title"            第一个匹配元素的文本
//	"a.cover@href"      匹配元素的属性
//	"@data-id"          当前元素自身的属性
//	"xpath://h1"        XPath 表达式，"xpath://img/@src" 取属性
//	"."                 当前元素自身的文本
package htmldoc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

const xpathPrefix = "xpath:"

// Document 已解析的 HTML 文档
type Document struct {
	doc *goquery.Document
}

// Parse 解析 UTF-8 编码的 HTML
func Parse(body []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Root 返回根元素
func (d *Document) Root() Element {
	return Element{sel: d.doc.Selection}
}

// Select 用 CSS 选择器或 "xpath:" 前缀的 XPath 选出元素列表
func (d *Document) Select(selector string) ([]Element, error) {
	return d.Root().SelectAll(selector)
}

// Element 单个 HTML 元素
type Element struct {
	sel *goquery.Selection
}

// NewElement 包装 goquery 选择结果的第一个节点
func NewElement(sel *goquery.Selection) Element {
	return Element{sel: sel.First()}
}

// Exists 元素是否存在
func (e Element) Exists() bool {
	return e.sel != nil && e.sel.Length() > 0
}

// Text 去除首尾空白后的文本
func (e Element) Text() string {
	if !e.Exists() {
		return ""
	}
	return strings.TrimSpace(e.sel.Text())
}

// Attr 返回属性值
func (e Element) Attr(name string) (string, bool) {
	if !e.Exists() {
		return "", false
	}
	return e.sel.Attr(name)
}

// HTML 返回元素内部 HTML
func (e Element) HTML() string {
	if !e.Exists() {
		return ""
	}
	h, _ := e.sel.Html()
	return h
}

// SelectAll 选出当前元素下所有匹配的子元素
func (e Element) SelectAll(selector string) ([]Element, error) {
	if !e.Exists() {
		return nil, nil
	}
	if strings.HasPrefix(selector, xpathPrefix) {
		nodes, err := e.xpath(strings.TrimPrefix(selector, xpathPrefix))
		if err != nil {
			return nil, err
		}
		out := make([]Element, 0, len(nodes))
		for _, n := range nodes {
			if n.Type == html.ElementNode || n.Type == html.DocumentNode {
				out = append(out, Element{sel: goquery.NewDocumentFromNode(n).Selection})
			}
		}
		return out, nil
	}

	var out []Element
	e.sel.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, Element{sel: s})
	})
	return out, nil
}

// Values 按取值表达式返回所有非空值
func (e Element) Values(expr string) ([]string, error) {
	if !e.Exists() {
		return nil, nil
	}
	expr = strings.TrimSpace(expr)

	switch {
	case expr == "" || expr == ".":
		return nonEmpty(e.Text()), nil
	case strings.HasPrefix(expr, xpathPrefix):
		nodes, err := e.xpath(strings.TrimPrefix(expr, xpathPrefix))
		if err != nil {
			return nil, err
		}
		var out []string
		for _, n := range nodes {
			if v := strings.TrimSpace(htmlquery.InnerText(n)); v != "" {
				out = append(out, v)
			}
		}
		return out, nil
	case strings.HasPrefix(expr, "@"):
		v, _ := e.Attr(expr[1:])
		return nonEmpty(strings.TrimSpace(v)), nil
	}

	selector, attr := expr, ""
	if i := strings.LastIndex(expr, "@"); i > 0 {
		selector, attr = expr[:i], expr[i+1:]
	}

	var out []string
	e.sel.Find(selector).Each(func(_ int, s *goquery.Selection) {
		var v string
		if attr != "" {
			v, _ = s.Attr(attr)
		} else {
			v = s.Text()
		}
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	})
	return out, nil
}

// Value 返回第一个值
func (e Element) Value(expr string) (string, bool) {
	values, err := e.Values(expr)
	if err != nil || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (e Element) xpath(expr string) ([]*html.Node, error) {
	var out []*html.Node
	for _, n := range e.sel.Nodes {
		nodes, err := htmlquery.QueryAll(n, expr)
		if err != nil {
			return nil, fmt.Errorf("xpath %q: %w", expr, err)
		}
		out = append(out, nodes...)
	}
	return out, nil
}

func nonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
