package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"comicfeed/pkg/cache"
	"comicfeed/pkg/config"
	"comicfeed/pkg/logger"
)

// 预刷新默认提前量
const defaultPrewarmWithin = 5 * time.Minute

// TokenPrewarmer 能提前刷新令牌的组件
type TokenPrewarmer interface {
	PrewarmTokens(ctx context.Context, within time.Duration) error
}

// PrefixInvalidator 能按前缀清除缓存的组件
type PrefixInvalidator interface {
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// MaintenanceExecutor 执行缓存清理、令牌预刷新等维护任务
type MaintenanceExecutor struct {
	Sweeper     cache.Sweeper
	Tokens      TokenPrewarmer
	Invalidator PrefixInvalidator

	log *logrus.Entry
}

// NewMaintenanceExecutor 创建维护任务执行器，不需要的协作者传 nil
func NewMaintenanceExecutor(sweeper cache.Sweeper, tokens TokenPrewarmer, invalidator PrefixInvalidator) *MaintenanceExecutor {
	return &MaintenanceExecutor{
		Sweeper:     sweeper,
		Tokens:      tokens,
		Invalidator: invalidator,
		log:         logger.WithComponent("Maintenance"),
	}
}

// Execute 按任务类型分派
func (m *MaintenanceExecutor) Execute(ctx context.Context, job *Job) error {
	switch job.Config.Task {
	case TaskCacheSweep:
		if m.Sweeper == nil {
			return nil
		}
		if n := m.Sweeper.Sweep(); n > 0 {
			m.log.WithField("removed", n).Debug("expired cache entries swept")
		}
		return nil

	case TaskTokenPrewarm:
		if m.Tokens == nil {
			return nil
		}
		within := defaultPrewarmWithin
		if v := job.Config.Params["within"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("无效的 within 参数 %q: %w", v, err)
			}
			within = d
		}
		return m.Tokens.PrewarmTokens(ctx, within)

	case TaskCacheInvalidate:
		if m.Invalidator == nil {
			return nil
		}
		return m.Invalidator.InvalidatePrefix(ctx, job.Config.Params["prefix"])
	}
	return fmt.Errorf("未知的任务类型: %q", job.Config.Task)
}

// DefaultJobs 由主配置生成内置维护任务，调度表达式为空的任务不生成
func DefaultJobs(cfg *config.Config) []JobConfig {
	var jobs []JobConfig
	if cfg.Cache.SweepSchedule != "" {
		jobs = append(jobs, JobConfig{
			Name:     "cache-sweep",
			Enabled:  true,
			Schedule: cfg.Cache.SweepSchedule,
			Task:     TaskCacheSweep,
		})
	}
	if cfg.Auth.PrewarmSchedule != "" {
		within := cfg.Auth.SafetyMargin * 5
		if within <= 0 {
			within = defaultPrewarmWithin
		}
		jobs = append(jobs, JobConfig{
			Name:     "token-prewarm",
			Enabled:  true,
			Schedule: cfg.Auth.PrewarmSchedule,
			Task:     TaskTokenPrewarm,
			Params:   map[string]string{"within": within.String()},
		})
	}
	return jobs
}
