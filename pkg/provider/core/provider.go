package core

import (
	"comicfeed/pkg/auth"
	"comicfeed/pkg/normalize"
	"comicfeed/pkg/transport"
)

// ListKind 列表操作的种类
type ListKind string

const (
	ListPopular   ListKind = "popular"
	ListLatest    ListKind = "latest"
	ListSearch    ListKind = "search"
	ListFavorites ListKind = "favorites"
	ListCategory  ListKind = "category"
)

// ValidListKind 是否为已知的列表种类
func ValidListKind(k ListKind) bool {
	switch k {
	case ListPopular, ListLatest, ListSearch, ListFavorites, ListCategory:
		return true
	}
	return false
}

// EndpointClass 端点类别，熔断器按 provider/endpointClass 分别计数
type EndpointClass string

const (
	EndpointList     EndpointClass = "list"
	EndpointDetails  EndpointClass = "details"
	EndpointChapters EndpointClass = "chapters"
	EndpointPages    EndpointClass = "pages"
	EndpointComments EndpointClass = "comments"
	EndpointAuth     EndpointClass = "auth"
)

// ListQuery 列表请求参数
type ListQuery struct {
	Kind   ListKind
	Page   int
	Params map[string]string // 例如 keyword、category、sort
}

// Call 一次待执行的请求及其解析提示
type Call struct {
	Class        EndpointClass
	Request      transport.Request
	Hints        normalize.SchemaHints
	RequiresAuth bool
	// Idempotent 为 false 时传输层失败不再重试
	Idempotent bool
}

// Provider 漫画内容提供商。
// 实现只负责描述请求与解析方式，不发起网络请求。
type Provider interface {
	// Descriptor 返回提供商描述
	Descriptor() Descriptor

	// List 构造列表请求，不支持的种类返回 ErrOperationNotSupported
	List(q ListQuery) (Call, error)

	// Details 构造详情请求
	Details(comicID string) (Call, error)

	// Chapters 构造独立的章节列表请求；章节内嵌在详情中时返回 ok=false
	Chapters(comicID string) (call Call, ok bool, err error)

	// Pages 构造章节图片请求
	Pages(comicID, chapterID string) (Call, error)

	// Comments 构造评论请求
	Comments(comicID string, page int) (Call, error)

	// Modifier 发送前对请求的改写，可以为 nil
	Modifier() transport.Modifier
}

// Authenticated 需要登录的提供商额外实现该接口
type Authenticated interface {
	// Authenticator 返回与认证端点交互的协作者
	Authenticator(t transport.Transport) auth.Refresher
}
