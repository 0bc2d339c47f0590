package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"comicfeed/pkg/logger"
)

const (
	// 单次任务执行的超时
	jobTimeout = 5 * time.Minute
	// Stop 等待运行中任务的最长时间
	stopTimeout = 30 * time.Second
)

// 秒字段可选，也支持 @every 1m 这样的描述符
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var errNoExecutor = errors.New("任务执行器未设置")

// DefaultJobScheduler 基于 cron 的维护任务调度器
type DefaultJobScheduler struct {
	cron     *cron.Cron
	jobs     map[string]*Job
	executor JobExecutor
	mu       sync.RWMutex
	logger   *logrus.Entry
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewJobScheduler 创建调度器，任务在 Start 之前不会触发
func NewJobScheduler() *DefaultJobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &DefaultJobScheduler{
		cron:   cron.New(cron.WithParser(scheduleParser)),
		jobs:   make(map[string]*Job),
		logger: logger.WithComponent("Scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// readJobsFile 读取 YAML/JSON 任务文件
func readJobsFile(path string) ([]JobConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("配置文件不存在: %s", path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var file JobsConfig
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return file.Jobs, nil
}

// LoadConfig 从文件加载任务。无效或重名的条目被跳过并记录日志
func (s *DefaultJobScheduler) LoadConfig(configPath string) error {
	configs, err := readJobsFile(configPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, jc := range configs {
		log := s.logger.WithField("job", jc.Name)
		if err := s.validateJobConfig(jc); err != nil {
			log.WithError(err).Warn("跳过无效任务配置")
			continue
		}
		if err := s.register(jc); err != nil {
			log.WithError(err).Error("添加任务失败")
			continue
		}
		added++
	}

	s.logger.WithFields(logrus.Fields{"path": configPath, "added": added}).Info("任务配置已加载")
	return nil
}

// Start 启动 cron，必须先设置执行器
func (s *DefaultJobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor == nil {
		return errNoExecutor
	}
	s.cron.Start()
	s.refreshNextRuns()
	s.logger.WithField("jobs", len(s.jobs)).Info("任务调度器已启动")
	return nil
}

// Stop 取消运行中任务的 context 并等待它们退出
func (s *DefaultJobScheduler) Stop() error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("任务调度器已停止")
	case <-time.After(stopTimeout):
		s.logger.Warn("任务调度器停止超时")
	}
	return nil
}

// AddJob 校验并注册任务
func (s *DefaultJobScheduler) AddJob(config JobConfig) error {
	if err := s.validateJobConfig(config); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(config)
}

// RemoveJob 移除任务，已在运行的那一次不受影响
func (s *DefaultJobScheduler) RemoveJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.lookup(jobName)
	if err != nil {
		return err
	}
	if job.EntryID != 0 {
		s.cron.Remove(job.EntryID)
	}
	delete(s.jobs, jobName)

	s.logger.WithField("job", jobName).Info("任务已移除")
	return nil
}

// GetJob 返回任务的快照
func (s *DefaultJobScheduler) GetJob(jobName string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, err := s.lookup(jobName)
	if err != nil {
		return nil, err
	}
	snapshot := *job
	return &snapshot, nil
}

// GetAllJobs 按名称排序返回全部任务快照
func (s *DefaultJobScheduler) GetAllJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot := *job
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// RunJob 立即异步执行一次任务
func (s *DefaultJobScheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, err := s.lookup(jobName)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if !job.Config.Enabled {
		return fmt.Errorf("任务已禁用: %s", jobName)
	}

	go s.run(job)
	return nil
}

// SetExecutor 设置任务执行器
func (s *DefaultJobScheduler) SetExecutor(executor JobExecutor) {
	s.mu.Lock()
	s.executor = executor
	s.mu.Unlock()
}

// Status 汇总各任务的运行情况，供 /stats 使用
func (s *DefaultJobScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	s.refreshNextRuns()
	s.mu.Unlock()

	jobs := s.GetAllJobs()
	views := make([]map[string]interface{}, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.view())
	}
	return map[string]interface{}{"jobs": views}
}

func (j *Job) view() map[string]interface{} {
	v := map[string]interface{}{
		"name":        j.Config.Name,
		"task":        j.Config.Task,
		"schedule":    j.Config.Schedule,
		"status":      j.Status,
		"run_count":   j.RunCount,
		"error_count": j.ErrorCount,
	}
	if j.LastRun != nil {
		v["last_run"] = *j.LastRun
	}
	if j.NextRun != nil {
		v["next_run"] = *j.NextRun
	}
	if j.LastError != nil {
		v["last_error"] = j.LastError.Error()
	}
	return v
}

func (s *DefaultJobScheduler) validateJobConfig(config JobConfig) error {
	switch {
	case config.Name == "":
		return errors.New("任务名称不能为空")
	case config.Schedule == "":
		return errors.New("任务调度表达式不能为空")
	}
	if _, err := scheduleParser.Parse(config.Schedule); err != nil {
		return fmt.Errorf("无效的调度表达式 '%s': %w", config.Schedule, err)
	}

	switch config.Task {
	case TaskCacheSweep, TaskTokenPrewarm:
		return nil
	case TaskCacheInvalidate:
		if config.Params["prefix"] == "" {
			return errors.New("缓存失效任务缺少 prefix 参数")
		}
		return nil
	}
	return fmt.Errorf("未知的任务类型: %q", config.Task)
}

// lookup 需要持有锁
func (s *DefaultJobScheduler) lookup(name string) (*Job, error) {
	job, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("任务不存在: %s", name)
	}
	return job, nil
}

// register 需要持有写锁。禁用的任务只登记不调度
func (s *DefaultJobScheduler) register(config JobConfig) error {
	if _, exists := s.jobs[config.Name]; exists {
		return fmt.Errorf("任务已存在: %s", config.Name)
	}

	job := &Job{ID: uuid.NewString(), Config: config, Status: JobStatusDisabled}
	log := s.logger.WithFields(logrus.Fields{"job": config.Name, "task": config.Task})

	if config.Enabled {
		entryID, err := s.cron.AddFunc(config.Schedule, func() { s.run(job) })
		if err != nil {
			return fmt.Errorf("添加任务到调度器失败: %w", err)
		}
		job.EntryID = entryID
		job.Status = JobStatusPending
		log = log.WithField("schedule", config.Schedule)
	}

	s.jobs[config.Name] = job
	log.Info("任务已添加")
	return nil
}

// begin 标记任务开始；任务已在运行或没有执行器时返回 nil
func (s *DefaultJobScheduler) begin(job *Job) JobExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor == nil {
		s.logger.WithField("job", job.Config.Name).Warn("任务执行器未设置，跳过")
		return nil
	}
	if job.Status == JobStatusRunning {
		s.logger.WithField("job", job.Config.Name).Warn("任务正在运行，跳过本次触发")
		return nil
	}
	now := time.Now()
	job.Status = JobStatusRunning
	job.LastRun = &now
	job.RunCount++
	return s.executor
}

func (s *DefaultJobScheduler) finish(job *Job, err error, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logger.WithFields(logrus.Fields{"job": job.Config.Name, "took": took})
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err
		job.ErrorCount++
		log.WithError(err).Error("任务执行失败")
		return
	}
	job.Status = JobStatusPending
	job.LastError = nil
	log.Debug("任务执行完成")
}

func (s *DefaultJobScheduler) run(job *Job) {
	executor := s.begin(job)
	if executor == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	start := time.Now()
	err := executor.Execute(ctx, job)
	s.finish(job, err, time.Since(start))
}

// refreshNextRuns 需要持有写锁
func (s *DefaultJobScheduler) refreshNextRuns() {
	next := make(map[cron.EntryID]time.Time)
	for _, e := range s.cron.Entries() {
		next[e.ID] = e.Next
	}
	for _, job := range s.jobs {
		if t, ok := next[job.EntryID]; ok && !t.IsZero() {
			job.NextRun = &t
		}
	}
}
