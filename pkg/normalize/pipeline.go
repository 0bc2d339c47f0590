package normalize

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/model"
)

const maxReplyDepth = 16

// Pipeline 把提供商原始记录转换为规范实体。无状态，可并发使用。
type Pipeline struct {
	log *logrus.Entry
}

// NewPipeline 创建归一化管道
func NewPipeline() *Pipeline {
	return &Pipeline{log: logger.WithComponent("Normalizer")}
}

func itemError(hints SchemaHints, format string, args ...interface{}) error {
	return errs.Newf(errs.KindNormalizationFailed, format, args...).WithProvider(hints.Provider)
}

// NormalizeListItem 归一化一条列表记录。缺少 ID 的记录无法归一化。
func (p *Pipeline) NormalizeListItem(raw Record, hints SchemaHints) (model.Comic, error) {
	id := StringField(raw, hints.Candidates(FieldID))
	if id == "" {
		return model.Comic{}, itemError(hints, "item has no id")
	}

	comic := model.Comic{
		ID:          id,
		Provider:    hints.Provider,
		Title:       StringField(raw, hints.Candidates(FieldTitle)),
		Cover:       resolveURL(hints.BaseURL, StringField(raw, hints.Candidates(FieldCover))),
		Subtitle:    StringField(raw, hints.Candidates(FieldSubtitle)),
		Tags:        StringsField(raw, hints.Candidates(FieldTags)),
		Description: StringField(raw, hints.Candidates(FieldDescription)),
		UpdatedAt:   TimeField(raw, hints.Candidates(FieldUpdated), hints.TimeLayouts),
	}
	if r, ok := FloatField(raw, hints.Candidates(FieldRating)); ok {
		comic.Rating = scaleRating(r, hints.RatingScale)
	}
	return comic, nil
}

// scaleRating 换算到 0-5 并截断
func scaleRating(r, scale float64) float64 {
	if scale > 0 && scale != 5 {
		r = r * 5 / scale
	}
	r = math.Max(0, math.Min(5, r))
	return math.Round(r*100) / 100
}

// NormalizeList 逐条归一化，单条失败只丢弃该条并计数；非空输入全部失败时返回 NormalizationFailed
func (p *Pipeline) NormalizeList(raws []Record, hints SchemaHints) ([]model.Comic, int, error) {
	items := make([]model.Comic, 0, len(raws))
	dropped := 0
	for i, raw := range raws {
		comic, err := p.safeListItem(raw, hints)
		if err != nil {
			dropped++
			p.log.WithFields(logrus.Fields{
				"provider": hints.Provider,
				"index":    i,
			}).WithError(err).Warn("dropped malformed list item")
			continue
		}
		items = append(items, comic)
	}

	if len(raws) > 0 && len(items) == 0 {
		return nil, dropped, errs.Newf(errs.KindNormalizationFailed, "all %d items failed to normalize", len(raws)).
			WithProvider(hints.Provider)
	}
	return items, dropped, nil
}

func (p *Pipeline) safeListItem(raw Record, hints SchemaHints) (comic model.Comic, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = itemError(hints, "panic while normalizing item: %v", r)
		}
	}()
	return p.NormalizeListItem(raw, hints)
}

// NormalizeDetails 归一化详情。chapterRaws 为 nil 时从详情记录内嵌的章节字段读取。
func (p *Pipeline) NormalizeDetails(raw Record, chapterRaws []Record, hints SchemaHints) (model.ComicDetails, error) {
	base, err := p.NormalizeListItem(raw, hints)
	if err != nil {
		return model.ComicDetails{}, err
	}

	details := model.ComicDetails{
		Comic:   base,
		Status:  MapStatus(StringField(raw, hints.Candidates(FieldStatus)), hints.StatusAliases),
		Authors: StringsField(raw, hints.Candidates(FieldAuthors)),
		URL:     resolveURL(hints.BaseURL, StringField(raw, hints.Candidates(FieldURL))),
	}

	groups := model.NewOrderedMap[[]string]()
	groups.Set(model.CategoryGenres, base.Tags)
	if len(details.Authors) > 0 {
		groups.Set(model.CategoryAuthors, details.Authors)
	}
	if details.Status != model.StatusUnknown {
		groups.Set(model.CategoryStatus, []string{string(details.Status)})
	}
	details.TagGroups = groups

	if chapterRaws == nil {
		if v, ok := lookup(raw, hints.Candidates(FieldChapters)); ok {
			if list, ok := v.([]interface{}); ok {
				chapterRaws = Records(list)
			}
		}
	}
	chapters, dropped := p.NormalizeChapters(chapterRaws, hints)
	if dropped > 0 {
		p.log.WithFields(logrus.Fields{
			"provider": hints.Provider,
			"comic":    base.ID,
			"dropped":  dropped,
		}).Warn("dropped malformed or duplicate chapters")
	}
	details.Chapters = chapters
	details.ChapterCount = chapters.Len()
	return details, nil
}

// NormalizeChapters 按卷分组章节。卷内保持来源顺序，重复章节 ID 只保留第一次出现。
func (p *Pipeline) NormalizeChapters(raws []Record, hints SchemaHints) (*model.ChapterIndex, int) {
	index := model.NewChapterIndex()
	if hints.SortChapters {
		raws = sortByChapterNo(raws, hints)
	}

	dropped := 0
	for _, raw := range raws {
		id := StringField(raw, hints.Candidates(FieldChapterID))
		if id == "" {
			dropped++
			continue
		}
		if !index.Add(volumeLabel(raw, hints), id, chapterTitle(raw, id, hints)) {
			dropped++
		}
	}
	return index, dropped
}

// volumeLabel 数字卷号显示为 "Volume N"，缺失或 null 归入 NoVolume
func volumeLabel(raw Record, hints SchemaHints) string {
	v, ok := lookup(raw, hints.Candidates(FieldVolume))
	if !ok {
		return model.NoVolume
	}
	if f, ok := toFloat(v); ok {
		return "Volume " + strconv.FormatFloat(f, 'f', -1, 64)
	}
	return toString(v)
}

func chapterTitle(raw Record, id string, hints SchemaHints) string {
	if t := StringField(raw, hints.Candidates(FieldChapterTitle)); t != "" {
		return t
	}
	if n := StringField(raw, hints.Candidates(FieldChapterNo)); n != "" {
		return "Chapter " + n
	}
	return id
}

func sortByChapterNo(raws []Record, hints SchemaHints) []Record {
	type numbered struct {
		rec Record
		no  float64
		ok  bool
	}
	list := make([]numbered, len(raws))
	for i, r := range raws {
		no, ok := FloatField(r, hints.Candidates(FieldChapterNo))
		list[i] = numbered{rec: r, no: no, ok: ok}
	}
	// 没有序号的章节排在最后，彼此保持来源顺序
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ok != list[j].ok {
			return list[i].ok
		}
		return list[i].ok && list[i].no < list[j].no
	})
	out := make([]Record, len(list))
	for i, n := range list {
		out[i] = n.rec
	}
	return out
}

// NormalizeComment 归一化评论及其递归回复，没有内容的评论无法归一化
func (p *Pipeline) NormalizeComment(raw Record, hints SchemaHints) (model.Comment, error) {
	return p.normalizeComment(raw, hints, 0)
}

func (p *Pipeline) normalizeComment(raw Record, hints SchemaHints, depth int) (model.Comment, error) {
	content := StringField(raw, hints.Candidates(FieldContent))
	if content == "" {
		return model.Comment{}, itemError(hints, "comment has no content")
	}

	c := model.Comment{
		ID:        StringField(raw, hints.Candidates(FieldCommentID)),
		Author:    StringField(raw, hints.Candidates(FieldAuthor)),
		Avatar:    resolveURL(hints.BaseURL, StringField(raw, hints.Candidates(FieldAvatar))),
		Content:   content,
		Timestamp: TimeField(raw, hints.Candidates(FieldTime), hints.TimeLayouts),
		Replies:   []model.Comment{},
	}
	if likes, ok := IntField(raw, hints.Candidates(FieldLikes)); ok && likes > 0 {
		c.LikeCount = likes
	}

	if depth >= maxReplyDepth {
		return c, nil
	}
	if v, ok := lookup(raw, hints.Candidates(FieldReplies)); ok {
		if list, ok := v.([]interface{}); ok {
			for _, r := range Records(list) {
				reply, err := p.normalizeComment(r, hints, depth+1)
				if err != nil {
					continue
				}
				c.Replies = append(c.Replies, reply)
			}
		}
	}
	return c, nil
}

// NormalizeComments 逐条归一化评论，规则同 NormalizeList
func (p *Pipeline) NormalizeComments(raws []Record, hints SchemaHints) ([]model.Comment, int, error) {
	out := make([]model.Comment, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		c, err := p.NormalizeComment(raw, hints)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, c)
	}
	if dropped > 0 {
		p.log.WithFields(logrus.Fields{"provider": hints.Provider, "dropped": dropped}).Warn("dropped malformed comments")
	}
	if len(raws) > 0 && len(out) == 0 {
		return nil, dropped, errs.Newf(errs.KindNormalizationFailed, "all %d comments failed to normalize", len(raws)).
			WithProvider(hints.Provider)
	}
	return out, dropped, nil
}

// NormalizePages 归一化章节图片。空链接与重复链接被跳过，Order 从 1 开始连续编号。
func (p *Pipeline) NormalizePages(raws []Record, hints SchemaHints) ([]model.Page, error) {
	pages := make([]model.Page, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for _, raw := range raws {
		var u, id string
		if v, ok := raw.(ValueRecord); ok {
			u = string(v)
		} else {
			u = StringField(raw, hints.Candidates(FieldPageURL))
			id = StringField(raw, hints.Candidates(FieldPageID))
		}
		u = resolveURL(hints.BaseURL, u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true

		order := len(pages) + 1
		if id == "" {
			id = fmt.Sprintf("%d", order)
		}
		pages = append(pages, model.Page{ID: id, URL: u, Order: order})
	}

	if len(raws) > 0 && len(pages) == 0 {
		return nil, errs.Newf(errs.KindNormalizationFailed, "none of %d pages has an image url", len(raws)).
			WithProvider(hints.Provider)
	}
	return pages, nil
}

// PageInfo 响应中的分页信号，缺失的字段为 nil
type PageInfo struct {
	TotalPages *int
	Total      *int
	HasMore    *bool
}

// NormalizePageInfo 读取分页信号
func (p *Pipeline) NormalizePageInfo(root Record, hints SchemaHints) PageInfo {
	var info PageInfo
	if n, ok := IntField(root, hints.Candidates(FieldTotalPages)); ok {
		info.TotalPages = &n
	}
	if n, ok := IntField(root, hints.Candidates(FieldTotal)); ok {
		info.Total = &n
	}
	if b, ok := BoolField(root, hints.Candidates(FieldHasMore)); ok {
		info.HasMore = &b
	}
	return info
}
