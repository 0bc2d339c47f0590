package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicfeed/pkg/config"
)

// MockJobExecutor 模拟任务执行器
type MockJobExecutor struct {
	mu           sync.Mutex
	executedJobs []string
	err          error
}

func (m *MockJobExecutor) Execute(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executedJobs = append(m.executedJobs, job.Config.Name)
	return m.err
}

func (m *MockJobExecutor) Executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executedJobs...)
}

func sweepJob(name string) JobConfig {
	return JobConfig{Name: name, Enabled: true, Schedule: "@every 1h", Task: TaskCacheSweep}
}

func TestNewJobScheduler(t *testing.T) {
	scheduler := NewJobScheduler()

	assert.NotNil(t, scheduler)
	assert.NotNil(t, scheduler.cron)
	assert.NotNil(t, scheduler.jobs)
	assert.NotNil(t, scheduler.logger)
	assert.NotNil(t, scheduler.ctx)
}

func TestJobScheduler_LoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		expectJobs  int
	}{
		{
			name: "有效配置",
			configYAML: `
jobs:
  - name: "sweep"
    enabled: true
    schedule: "*/30 * * * * *"
    task: "cache_sweep"
  - name: "prewarm"
    enabled: false
    schedule: "@every 5m"
    task: "token_prewarm"
    params:
      within: "10m"
`,
			expectJobs: 2,
		},
		{
			name: "无效任务被跳过",
			configYAML: `
jobs:
  - name: "bad-cron"
    enabled: true
    schedule: "invalid-cron"
    task: "cache_sweep"
  - name: "bad-task"
    enabled: true
    schedule: "@every 1m"
    task: "download_everything"
`,
			expectJobs: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jobs.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.configYAML), 0644))

			scheduler := NewJobScheduler()
			err := scheduler.LoadConfig(path)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, scheduler.GetAllJobs(), tt.expectJobs)
		})
	}

	t.Run("文件不存在", func(t *testing.T) {
		err := NewJobScheduler().LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "配置文件不存在")
	})
}

func TestJobScheduler_AddRemove(t *testing.T) {
	scheduler := NewJobScheduler()

	require.NoError(t, scheduler.AddJob(sweepJob("sweep")))
	err := scheduler.AddJob(sweepJob("sweep"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务已存在")

	job, err := scheduler.GetJob("sweep")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	require.NoError(t, scheduler.AddJob(JobConfig{Name: "off", Schedule: "@every 1m", Task: TaskCacheSweep}))
	job, err = scheduler.GetJob("off")
	require.NoError(t, err)
	assert.Equal(t, JobStatusDisabled, job.Status)
	assert.Len(t, scheduler.GetAllJobs(), 2)

	require.NoError(t, scheduler.RemoveJob("sweep"))
	_, err = scheduler.GetJob("sweep")
	assert.Error(t, err)
	assert.Error(t, scheduler.RemoveJob("sweep"))
}

func TestJobScheduler_RunJob(t *testing.T) {
	scheduler := NewJobScheduler()
	executor := &MockJobExecutor{}
	scheduler.SetExecutor(executor)

	require.NoError(t, scheduler.AddJob(sweepJob("sweep")))
	require.NoError(t, scheduler.RunJob("sweep"))

	assert.Eventually(t, func() bool {
		return len(executor.Executed()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		job, _ := scheduler.GetJob("sweep")
		return job.RunCount == 1 && job.Status == JobStatusPending
	}, time.Second, 10*time.Millisecond)

	err := scheduler.RunJob("non-existent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务不存在")

	require.NoError(t, scheduler.AddJob(JobConfig{Name: "off", Schedule: "@every 1m", Task: TaskCacheSweep}))
	err = scheduler.RunJob("off")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务已禁用")
}

func TestJobScheduler_RunJobError(t *testing.T) {
	scheduler := NewJobScheduler()
	scheduler.SetExecutor(&MockJobExecutor{err: errors.New("boom")})

	require.NoError(t, scheduler.AddJob(sweepJob("sweep")))
	require.NoError(t, scheduler.RunJob("sweep"))

	assert.Eventually(t, func() bool {
		job, _ := scheduler.GetJob("sweep")
		return job.Status == JobStatusError && job.ErrorCount == 1
	}, time.Second, 10*time.Millisecond)

	status := scheduler.Status()
	jobs := status["jobs"].([]map[string]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "boom", jobs[0]["last_error"])
}

func TestJobScheduler_StartStop(t *testing.T) {
	scheduler := NewJobScheduler()
	scheduler.SetExecutor(&MockJobExecutor{})

	assert.NoError(t, scheduler.Start())
	assert.NoError(t, scheduler.Stop())

	scheduler2 := NewJobScheduler()
	err := scheduler2.Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务执行器未设置")
}

func TestJobScheduler_validateJobConfig(t *testing.T) {
	scheduler := NewJobScheduler()

	tests := []struct {
		name        string
		config      JobConfig
		expectError bool
	}{
		{"六段表达式", JobConfig{Name: "a", Schedule: "*/5 * * * * *", Task: TaskCacheSweep}, false},
		{"五段表达式", JobConfig{Name: "a", Schedule: "*/5 * * * *", Task: TaskTokenPrewarm}, false},
		{"描述符", JobConfig{Name: "a", Schedule: "@every 1m", Task: TaskCacheSweep}, false},
		{"缺少任务名称", JobConfig{Schedule: "@every 1m", Task: TaskCacheSweep}, true},
		{"缺少调度表达式", JobConfig{Name: "a", Task: TaskCacheSweep}, true},
		{"无效的调度表达式", JobConfig{Name: "a", Schedule: "invalid-cron", Task: TaskCacheSweep}, true},
		{"未知任务类型", JobConfig{Name: "a", Schedule: "@every 1m", Task: "x"}, true},
		{"失效任务缺少前缀", JobConfig{Name: "a", Schedule: "@every 1m", Task: TaskCacheInvalidate}, true},
		{"失效任务", JobConfig{Name: "a", Schedule: "@every 1m", Task: TaskCacheInvalidate, Params: map[string]string{"prefix": "mock:list:popular"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scheduler.validateJobConfig(tt.config)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobScheduler_Integration(t *testing.T) {
	scheduler := NewJobScheduler()
	executor := &MockJobExecutor{}
	scheduler.SetExecutor(executor)

	require.NoError(t, scheduler.AddJob(JobConfig{Name: "tick", Enabled: true, Schedule: "*/1 * * * * *", Task: TaskCacheSweep}))
	require.NoError(t, scheduler.Start())

	time.Sleep(2500 * time.Millisecond)
	require.NoError(t, scheduler.Stop())

	assert.GreaterOrEqual(t, len(executor.Executed()), 2, "任务应该至少执行2次")
	job, err := scheduler.GetJob("tick")
	require.NoError(t, err)
	assert.NotNil(t, job.LastRun)
}

type fakeSweeper struct{ n int }

func (f *fakeSweeper) Sweep() int { f.n++; return 3 }

type fakePrewarmer struct{ within time.Duration }

func (f *fakePrewarmer) PrewarmTokens(_ context.Context, within time.Duration) error {
	f.within = within
	return nil
}

type fakeInvalidator struct{ prefixes []string }

func (f *fakeInvalidator) InvalidatePrefix(_ context.Context, prefix string) error {
	f.prefixes = append(f.prefixes, prefix)
	return nil
}

func TestMaintenanceExecutor(t *testing.T) {
	sweeper := &fakeSweeper{}
	tokens := &fakePrewarmer{}
	inv := &fakeInvalidator{}
	m := NewMaintenanceExecutor(sweeper, tokens, inv)
	ctx := context.Background()

	require.NoError(t, m.Execute(ctx, &Job{Config: JobConfig{Task: TaskCacheSweep}}))
	assert.Equal(t, 1, sweeper.n)

	require.NoError(t, m.Execute(ctx, &Job{Config: JobConfig{Task: TaskTokenPrewarm}}))
	assert.Equal(t, defaultPrewarmWithin, tokens.within)

	require.NoError(t, m.Execute(ctx, &Job{Config: JobConfig{Task: TaskTokenPrewarm, Params: map[string]string{"within": "10m"}}}))
	assert.Equal(t, 10*time.Minute, tokens.within)

	assert.Error(t, m.Execute(ctx, &Job{Config: JobConfig{Task: TaskTokenPrewarm, Params: map[string]string{"within": "soon"}}}))

	require.NoError(t, m.Execute(ctx, &Job{Config: JobConfig{Task: TaskCacheInvalidate, Params: map[string]string{"prefix": "mock:"}}}))
	assert.Equal(t, []string{"mock:"}, inv.prefixes)

	assert.Error(t, m.Execute(ctx, &Job{Config: JobConfig{Task: "x"}}))

	// 缺少协作者时什么也不做
	empty := NewMaintenanceExecutor(nil, nil, nil)
	assert.NoError(t, empty.Execute(ctx, &Job{Config: JobConfig{Task: TaskCacheSweep}}))
}

func TestDefaultJobs(t *testing.T) {
	cfg := config.Default()
	jobs := DefaultJobs(cfg)
	require.Len(t, jobs, 1)
	assert.Equal(t, TaskCacheSweep, jobs[0].Task)

	cfg.Auth.PrewarmSchedule = "@every 1m"
	jobs = DefaultJobs(cfg)
	require.Len(t, jobs, 2)
	assert.Equal(t, TaskTokenPrewarm, jobs[1].Task)
	assert.Equal(t, "5m0s", jobs[1].Params["within"])

	scheduler := NewJobScheduler()
	for _, j := range jobs {
		assert.NoError(t, scheduler.AddJob(j))
	}
}
