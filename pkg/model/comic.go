package model

import (
	"encoding/json"
	"time"
)

// NoVolume 没有卷信息的章节统一归入该卷
const NoVolume = "No Volume"

// 固定的标签分类名，Genres 总是排在最前
const (
	CategoryGenres  = "Genres"
	CategoryAuthors = "Authors"
	CategoryStatus  = "Status"
)

// Status 连载状态
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusHiatus    Status = "hiatus"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// Comic 列表中的漫画条目
type Comic struct {
	ID          string     `json:"id"`                   // 提供商范围内稳定的 ID
	Provider    string     `json:"provider"`             // 来源提供商 key
	Title       string     `json:"title"`                // 标题
	Cover       string     `json:"cover"`                // 封面 URL，可能为空
	Subtitle    string     `json:"subtitle"`             // 副标题（常见为作者）
	Tags        []string   `json:"tags"`                 // 标签，保持来源顺序
	Description string     `json:"description"`          // 简介
	Rating      float64    `json:"rating"`               // 评分 0-5
	UpdatedAt   *time.Time `json:"updated_at,omitempty"` // 最近更新时间
}

// TagGroups 分类标签：分类名 -> 标签列表，分类顺序即展示顺序
type TagGroups = OrderedMap[[]string]

// ComicDetails 漫画详情
type ComicDetails struct {
	Comic
	TagGroups    *TagGroups    `json:"tag_groups"`
	Chapters     *ChapterIndex `json:"chapters"`
	Status       Status        `json:"status"`
	Authors      []string      `json:"authors,omitempty"`
	URL          string        `json:"url,omitempty"`
	ChapterCount int           `json:"chapter_count"`
}

// ChapterIndex 卷 -> (章节ID -> 标题) 的双层有序映射。
// 章节 ID 在所有卷之间唯一。
type ChapterIndex struct {
	volumes *OrderedMap[*OrderedMap[string]]
	owner   map[string]string // 章节ID -> 卷名
}

// NewChapterIndex 创建空的章节索引
func NewChapterIndex() *ChapterIndex {
	return &ChapterIndex{
		volumes: NewOrderedMap[*OrderedMap[string]](),
		owner:   make(map[string]string),
	}
}

// Add 按来源顺序追加章节；章节 ID 已存在时返回 false 且不做修改
func (c *ChapterIndex) Add(volume, chapterID, title string) bool {
	if volume == "" {
		volume = NoVolume
	}
	if _, dup := c.owner[chapterID]; dup {
		return false
	}
	chapters, ok := c.volumes.Get(volume)
	if !ok {
		chapters = NewOrderedMap[string]()
		c.volumes.Set(volume, chapters)
	}
	chapters.Set(chapterID, title)
	c.owner[chapterID] = volume
	return true
}

// Volumes 按出现顺序返回卷名
func (c *ChapterIndex) Volumes() []string {
	if c == nil {
		return nil
	}
	return c.volumes.Keys()
}

// ChapterRef 章节引用
type ChapterRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Chapters 返回某一卷的章节，保持插入顺序
func (c *ChapterIndex) Chapters(volume string) []ChapterRef {
	if c == nil {
		return nil
	}
	chapters, ok := c.volumes.Get(volume)
	if !ok {
		return nil
	}
	out := make([]ChapterRef, 0, chapters.Len())
	chapters.Range(func(id, title string) bool {
		out = append(out, ChapterRef{ID: id, Title: title})
		return true
	})
	return out
}

// VolumeOf 返回章节所在卷
func (c *ChapterIndex) VolumeOf(chapterID string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.owner[chapterID]
	return v, ok
}

// Len 返回章节总数
func (c *ChapterIndex) Len() int {
	if c == nil {
		return 0
	}
	return len(c.owner)
}

// MarshalJSON 输出保持顺序的嵌套对象
func (c *ChapterIndex) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.volumes)
}

// Page 章节中的一页图片
type Page struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Order int    `json:"order"` // 从 1 开始严格递增
}

// Comment 评论，回复可递归嵌套
type Comment struct {
	ID        string     `json:"id"`
	Author    string     `json:"author"`
	Avatar    string     `json:"avatar"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	LikeCount int        `json:"like_count"`
	Replies   []Comment  `json:"replies"`
}

// ListPage 分页列表结果
type ListPage struct {
	Items   []Comic `json:"items"`
	HasNext bool    `json:"has_next"`
	// Dropped 归一化失败而被丢弃的条目数，非零时结果仍然可用
	Dropped int `json:"dropped"`
}
