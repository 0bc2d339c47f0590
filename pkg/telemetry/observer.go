package telemetry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"comicfeed/pkg/errs"
	"comicfeed/pkg/logger"
)

// Outcome 一次请求尝试（或缓存命中）的结果
type Outcome struct {
	RequestID string
	Provider  string
	Class     string
	Attempt   int
	Status    int
	Kind      errs.Kind // 为空表示成功
	Latency   time.Duration
	CacheHit  bool
	Time      time.Time
}

// Success 是否成功
func (o Outcome) Success() bool {
	return o.Kind == ""
}

// Observer 请求结果观察者，实现必须可以并发调用
type Observer interface {
	Observe(o Outcome)
}

// ObserverFunc 函数适配为 Observer
type ObserverFunc func(Outcome)

func (f ObserverFunc) Observe(o Outcome) { f(o) }

// Nop 什么也不做的观察者
var Nop Observer = ObserverFunc(func(Outcome) {})

// Multi 把结果分发给多个观察者
func Multi(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(out Outcome) {
		for _, o := range list {
			o.Observe(out)
		}
	})
}

// LogObserver 把结果写入日志
type LogObserver struct {
	log *logrus.Entry
}

// NewLogObserver 创建日志观察者
func NewLogObserver() *LogObserver {
	return &LogObserver{log: logger.WithComponent("Telemetry")}
}

func (l *LogObserver) Observe(o Outcome) {
	entry := l.log.WithFields(logrus.Fields{
		"request_id": o.RequestID,
		"provider":   o.Provider,
		"endpoint":   o.Class,
		"attempt":    o.Attempt,
		"status":     o.Status,
		"latency_ms": o.Latency.Milliseconds(),
		"cache_hit":  o.CacheHit,
	})
	if o.Success() {
		entry.Debug("request succeeded")
		return
	}
	entry.WithField("kind", string(o.Kind)).Warn("request failed")
}

// ProviderStats 单个提供商的累计统计
type ProviderStats struct {
	Requests   int64            `json:"requests"`
	Successes  int64            `json:"successes"`
	Failures   int64            `json:"failures"`
	CacheHits  int64            `json:"cache_hits"`
	ByKind     map[string]int64 `json:"by_kind"`
	AvgLatency time.Duration    `json:"avg_latency"`
	LastError  time.Time        `json:"last_error,omitempty"`

	totalLatency time.Duration
}

// Recorder 进程内统计观察者
type Recorder struct {
	mu    sync.Mutex
	stats map[string]*ProviderStats
}

// NewRecorder 创建统计观察者
func NewRecorder() *Recorder {
	return &Recorder{stats: make(map[string]*ProviderStats)}
}

func (r *Recorder) Observe(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[o.Provider]
	if !ok {
		s = &ProviderStats{ByKind: make(map[string]int64)}
		r.stats[o.Provider] = s
	}

	if o.CacheHit {
		s.CacheHits++
		return
	}
	s.Requests++
	s.totalLatency += o.Latency
	s.AvgLatency = s.totalLatency / time.Duration(s.Requests)
	if o.Success() {
		s.Successes++
		return
	}
	s.Failures++
	s.ByKind[string(o.Kind)]++
	s.LastError = o.Time
}

// Snapshot 返回统计快照
func (r *Recorder) Snapshot() map[string]ProviderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ProviderStats, len(r.stats))
	for k, s := range r.stats {
		cp := *s
		cp.ByKind = make(map[string]int64, len(s.ByKind))
		for kind, n := range s.ByKind {
			cp.ByKind[kind] = n
		}
		out[k] = cp
	}
	return out
}
