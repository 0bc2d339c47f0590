//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const reportDir = "./reports"

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("ComicFeed 构建系统")
	fmt.Println("==================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build        - 构建 api_server 与示例程序")
	fmt.Println("  mage test         - 运行全部测试")
	fmt.Println("  mage testRace     - 开启竞态检测运行测试")
	fmt.Println("  mage testRedis    - 在本地 Redis 上运行缓存与令牌存储测试")
	fmt.Println("  mage run          - 以内置模拟站点启动 api_server")
	fmt.Println("  mage env:up       - 启动 Redis 与 InfluxDB 容器")
	fmt.Println("  mage env:down     - 停止并删除容器")
	fmt.Println("  mage clean        - 清理构建产物")
	fmt.Println("  mage lint         - 格式检查与 go vet")
	fmt.Println("  mage coverage     - 生成测试覆盖率报告")
}

// Build 构建所有二进制文件
func Build() error {
	mg.Deps(Clean)

	targets := []struct {
		name string
		path string
	}{
		{"api_server", "./cmd/api_server"},
		{"simple", "./examples/simple"},
	}

	fmt.Println("🚀 开始构建 ComicFeed 组件...")
	for _, target := range targets {
		fmt.Printf("📦 构建 %s...\n", target.name)
		output := filepath.Join("./dist", target.name)
		if runtime.GOOS == "windows" {
			output += ".exe"
		}

		cmd := exec.Command("go", "build", "-o", output, target.path)
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("构建 %s 失败: %v\n输出: %s", target.name, err, string(out))
		}

		if info, err := os.Stat(output); err == nil {
			fmt.Printf("   ✅ %s: %d MB\n", target.name, info.Size()/1024/1024)
		}
	}

	fmt.Println("🎉 所有组件构建完成!")
	return nil
}

// Test 运行全部测试，Redis 不可用时相关用例会自动跳过
func Test() error {
	fmt.Println("🧪 运行测试...")
	return sh.RunV("go", "test", "./...", "-timeout=5m")
}

// TestRace 开启竞态检测
func TestRace() error {
	fmt.Println("🧪 运行竞态检测...")
	return sh.RunWith(map[string]string{"CGO_ENABLED": "1"}, "go", "test", "-race", "./pkg/...", "-timeout=10m")
}

// TestRedis 针对 REDIS_ADDR 指向的实例运行依赖 Redis 的测试
func TestRedis() error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	if !isRedisRunning() {
		fmt.Printf("⚠️  %s 上的 Redis 未响应，相关测试会被跳过\n", addr)
	}
	fmt.Println("🔗 运行 Redis 相关测试...")
	return sh.RunWith(map[string]string{"REDIS_ADDR": addr},
		"go", "test", "-v", "-run", "Redis|Layered", "./pkg/cache/...", "./pkg/auth/...")
}

// Run 以 --mock 启动 API 服务
func Run() error {
	return sh.RunV("go", "run", "./cmd/api_server", "--mock", "--log-level", "debug")
}

type Env mg.Namespace

// Up 启动 Redis 与 InfluxDB
func (Env) Up() error {
	fmt.Println("🐳 启动 Redis 与 InfluxDB...")
	if err := sh.RunV("docker", "run", "-d", "--name", "comicfeed-redis", "-p", "6379:6379", "redis:7-alpine"); err != nil {
		return err
	}
	return sh.RunV("docker", "run", "-d", "--name", "comicfeed-influxdb", "-p", "8086:8086",
		"-e", "DOCKER_INFLUXDB_INIT_MODE=setup",
		"-e", "DOCKER_INFLUXDB_INIT_USERNAME=comicfeed",
		"-e", "DOCKER_INFLUXDB_INIT_PASSWORD=comicfeed-dev",
		"-e", "DOCKER_INFLUXDB_INIT_ORG=comicfeed",
		"-e", "DOCKER_INFLUXDB_INIT_BUCKET=requests",
		"-e", "DOCKER_INFLUXDB_INIT_ADMIN_TOKEN=comicfeed-dev-token",
		"influxdb:2.7")
}

// Down 停止并删除容器
func (Env) Down() error {
	fmt.Println("🛑 停止开发环境...")
	return sh.RunV("docker", "rm", "-f", "comicfeed-redis", "comicfeed-influxdb")
}

// Clean 清理构建产物
func Clean() error {
	fmt.Println("🧹 清理构建产物...")
	if err := os.MkdirAll("./dist", 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}

	files, err := filepath.Glob("./dist/*")
	if err != nil {
		return fmt.Errorf("查找文件失败: %v", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			fmt.Printf("警告: 无法删除文件 %s: %v\n", file, err)
		}
	}

	if err := os.RemoveAll(reportDir); err != nil {
		fmt.Printf("警告: 清理报告目录失败: %v\n", err)
	}

	fmt.Println("✅ 清理完成!")
	return nil
}

// Lint 格式检查并运行 go vet
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	output, err := sh.Output("gofmt", "-l", "./cmd", "./pkg", "./examples")
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	if output != "" {
		fmt.Printf("以下文件格式不规范，正在修复:\n%s\n", output)
		if err := sh.Run("gofmt", "-w", "./cmd", "./pkg", "./examples"); err != nil {
			return fmt.Errorf("自动修复失败: %v", err)
		}
	}

	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet 失败: %v", err)
	}

	fmt.Println("✅ 代码检查通过!")
	return nil
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	profile := filepath.Join(reportDir, "coverage.out")
	html := filepath.Join(reportDir, "coverage.html")
	if err := sh.RunV("go", "test", "./pkg/...", "./cmd/...", "-coverprofile="+profile, "-covermode=atomic"); err != nil {
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}
	if err := sh.Run("go", "tool", "cover", "-html="+profile, "-o", html); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func="+profile); err != nil {
		return fmt.Errorf("显示覆盖率失败: %v", err)
	}

	fmt.Println("✅ 覆盖率报告生成完成!")
	fmt.Println("   详细报告: file://" + getAbsolutePath(html))
	return nil
}

func isRedisRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", "comicfeed-redis", "redis-cli", "ping")
	return cmd.Run() == nil
}

func getAbsolutePath(relativePath string) string {
	absPath, err := filepath.Abs(relativePath)
	if err != nil {
		return relativePath
	}
	return absPath
}
