package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Task 维护任务种类
type Task string

const (
	// TaskCacheSweep 清理过期缓存条目
	TaskCacheSweep Task = "cache_sweep"
	// TaskTokenPrewarm 提前刷新即将过期的访问令牌
	TaskTokenPrewarm Task = "token_prewarm"
	// TaskCacheInvalidate 按前缀清除缓存，例如定时让热门列表失效
	TaskCacheInvalidate Task = "cache_invalidate"
)

// JobConfig 定义单个任务的配置
type JobConfig struct {
	Name     string            `mapstructure:"name" json:"name"`
	Enabled  bool              `mapstructure:"enabled" json:"enabled"`
	Schedule string            `mapstructure:"schedule" json:"schedule"`
	Task     Task              `mapstructure:"task" json:"task"`
	Params   map[string]string `mapstructure:"params" json:"params"`
}

// JobsConfig 定义整个任务配置文件结构
type JobsConfig struct {
	Jobs []JobConfig `mapstructure:"jobs" json:"jobs"`
}

// Job 表示一个已注册的任务
type Job struct {
	ID         string
	Config     JobConfig
	EntryID    cron.EntryID
	Status     JobStatus
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int64
	ErrorCount int64
	LastError  error
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// JobExecutor 任务执行器接口
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// JobExecutorFunc 函数适配为 JobExecutor
type JobExecutorFunc func(ctx context.Context, job *Job) error

func (f JobExecutorFunc) Execute(ctx context.Context, job *Job) error { return f(ctx, job) }

// JobScheduler 任务调度器接口
type JobScheduler interface {
	LoadConfig(configPath string) error
	Start() error
	Stop() error
	AddJob(config JobConfig) error
	RemoveJob(jobName string) error
	GetJob(jobName string) (*Job, error)
	GetAllJobs() []*Job
	RunJob(jobName string) error
	SetExecutor(executor JobExecutor)
}
