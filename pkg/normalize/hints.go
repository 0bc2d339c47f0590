package normalize

import (
	"strings"

	"comicfeed/pkg/model"
)

// Format 原始响应格式
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// 规范字段名
const (
	FieldID          = "id"
	FieldTitle       = "title"
	FieldCover       = "cover"
	FieldSubtitle    = "subtitle"
	FieldDescription = "description"
	FieldTags        = "tags"
	FieldRating      = "rating"
	FieldUpdated     = "updated"
	FieldStatus      = "status"
	FieldAuthors     = "authors"
	FieldURL         = "url"
	FieldChapters    = "chapters"

	FieldChapterID    = "chapter_id"
	FieldChapterTitle = "chapter_title"
	FieldChapterNo    = "chapter_no"
	FieldVolume       = "volume"

	FieldPageID  = "page_id"
	FieldPageURL = "page_url"

	FieldCommentID = "comment_id"
	FieldAuthor    = "author"
	FieldAvatar    = "avatar"
	FieldContent   = "content"
	FieldTime      = "time"
	FieldLikes     = "likes"
	FieldReplies   = "replies"

	FieldTotalPages = "total_pages"
	FieldTotal      = "total"
	FieldHasMore    = "has_more"
)

// DefaultCandidates 每个规范字段的候选源字段，按顺序取第一个非空值
var DefaultCandidates = map[string][]string{
	FieldID:          {"id", "_id", "comic_id", "slug"},
	FieldTitle:       {"title", "name"},
	FieldCover:       {"cover", "cover_url", "thumbnail", "thumb"},
	FieldSubtitle:    {"subtitle", "subTitle", "author"},
	FieldDescription: {"description", "desc", "summary"},
	FieldTags:        {"tags", "genres"},
	FieldRating:      {"rating", "score", "stars"},
	FieldUpdated:     {"updated_at", "updateTime", "updated", "last_update"},
	FieldStatus:      {"status", "state"},
	FieldAuthors:     {"authors", "author"},
	FieldURL:         {"url", "link"},
	FieldChapters:    {"chapters", "eps", "episodes"},

	FieldChapterID:    {"id", "chapter_id", "ep_id", "_id"},
	FieldChapterTitle: {"title", "name", "chapter_title"},
	FieldChapterNo:    {"chapter", "order", "number", "chapter_number"},
	FieldVolume:       {"volume", "vol"},

	FieldPageID:  {"id", "_id"},
	FieldPageURL: {"url", "src", "image", "media.path"},

	FieldCommentID: {"id", "_id", "comment_id"},
	FieldAuthor:    {"author", "user.name", "username", "user"},
	FieldAvatar:    {"avatar", "user.avatar"},
	FieldContent:   {"content", "text", "body"},
	FieldTime:      {"created_at", "time", "timestamp"},
	FieldLikes:     {"likes", "like_count", "likesCount"},
	FieldReplies:   {"replies", "children"},

	FieldTotalPages: {"total_pages", "pages", "totalPages", "page_count"},
	FieldTotal:      {"total", "total_count", "count"},
	FieldHasMore:    {"has_more", "hasMore", "has_next", "hasNext"},
}

// SchemaHints 提供商为某个操作给出的解析提示
type SchemaHints struct {
	Provider string
	Format   Format
	// Charset 响应编码，为空时取 Content-Type 的 charset，默认 UTF-8
	Charset string
	// Root JSON 路径或 HTML 选择器：列表操作指向条目数组，详情操作指向漫画对象
	Root string
	// Chapters 章节列表的路径或选择器
	Chapters string
	// Fields 覆盖默认候选字段，HTML 提供商在这里给出取值表达式
	Fields map[string][]string
	// RatingScale 源评分满分，默认 5
	RatingScale float64
	TimeLayouts []string
	// StatusAliases 追加的状态映射，键不区分大小写
	StatusAliases map[string]model.Status
	// BaseURL 用于把相对链接解析为绝对地址
	BaseURL string
	// PageSize 每页条目数，用于推断是否有下一页
	PageSize int
	// SortChapters 为 true 时按章节序号稳定排序后再分组
	SortChapters bool
}

// Candidates 返回某个规范字段的候选列表
func (h SchemaHints) Candidates(field string) []string {
	if c, ok := h.Fields[field]; ok && len(c) > 0 {
		return c
	}
	return DefaultCandidates[field]
}

func (h SchemaHints) format(contentType string) Format {
	if h.Format != FormatAuto {
		return h.Format
	}
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") || strings.Contains(ct, "xml") {
		return FormatHTML
	}
	return FormatJSON
}
