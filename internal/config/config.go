package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Catalog CatalogConfig `yaml:"catalog"`
	Relay   RelayConfig   `yaml:"relay"`
	Update  UpdateConfig  `yaml:"update"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	DataDir    string `yaml:"dataDir"`
	SQLitePath string `yaml:"sqlitePath"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type EngineConfig struct {
	Binary      string   `yaml:"binary"`
	ConfigDir   string   `yaml:"configDir"`
	ResourceDir string   `yaml:"resourceDir"`
	CopilotDir  string   `yaml:"copilotDir"`
	TaskName    string   `yaml:"taskName"`
	Profile     string   `yaml:"profile"`
	RunArgs     []string `yaml:"runArgs"`
	Env         []string `yaml:"env"`

	// OrphanGuard 启用 leakless 守护进程，宿主被强杀时引擎也会随之退出。默认开启。
	OrphanGuard *bool `yaml:"orphanGuard"`

	GracePeriodMs  int `yaml:"gracePeriodMs"`
	DrainTimeoutMs int `yaml:"drainTimeoutMs"`
	StartTimeoutMs int `yaml:"startTimeoutMs"`
	KillWaitMs     int `yaml:"killWaitMs"`
}

func (c EngineConfig) Guarded() bool {
	return c.OrphanGuard == nil || *c.OrphanGuard
}

func (c EngineConfig) GracePeriod() time.Duration {
	if c.GracePeriodMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

func (c EngineConfig) DrainTimeout() time.Duration {
	if c.DrainTimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

func (c EngineConfig) StartTimeout() time.Duration {
	if c.StartTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.StartTimeoutMs) * time.Millisecond
}

func (c EngineConfig) KillWait() time.Duration {
	if c.KillWaitMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.KillWaitMs) * time.Millisecond
}

type CatalogConfig struct {
	Dir string `yaml:"dir"`
}

type RelayRule struct {
	Pattern string `yaml:"pattern"`
	Kind    string `yaml:"kind"`
	Level   string `yaml:"level"`
}

type RelayConfig struct {
	// BufferSize 每个订阅者的队列长度，溢出时合并最旧的非终止事件。
	BufferSize  int         `yaml:"bufferSize"`
	HistorySize int         `yaml:"historySize"`
	Rules       []RelayRule `yaml:"rules"`
}

type UpdateConfig struct {
	ManifestURL  string        `yaml:"manifestURL"`
	DownloadBase string        `yaml:"downloadBase"`
	Target       string        `yaml:"target"`
	Schedule     string        `yaml:"schedule"`
	TimeoutMs    int           `yaml:"timeoutMs"`
	Proxy        string        `yaml:"proxy"`
	UserAgent    string        `yaml:"userAgent"`
	VerifyBinary *bool         `yaml:"verifyBinary"`
	Retry        RetryConfig   `yaml:"retry"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

type RetryConfig struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

type BreakerConfig struct {
	MaxFailures uint32 `yaml:"maxFailures"`
	OpenMs      int    `yaml:"openMs"`
}

func (c UpdateConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c UpdateConfig) Verify() bool {
	return c.VerifyBinary == nil || *c.VerifyBinary
}

func (c RetryConfig) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c RetryConfig) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func (c BreakerConfig) Open() time.Duration {
	if c.OpenMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.OpenMs) * time.Millisecond
}

// Load 读取 yaml 配置；文件不存在时使用默认值（首次启动），格式错误则报错。
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("MAABO_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("MAABO_DATA_DIR")); v != "" {
		c.Storage.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("MAABO_ENGINE_BINARY")); v != "" {
		c.Engine.Binary = v
	}
	if v := strings.TrimSpace(os.Getenv("MAABO_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("MAABO_UPDATE_PROXY")); v != "" {
		c.Update.Proxy = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:17890"
	}
	if len(c.Server.Cors.AllowOrigins) == 0 {
		c.Server.Cors.AllowOrigins = []string{"tauri://localhost", "http://localhost:1420"}
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir()
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "maabo.db")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Output == "" {
		c.Log.Output = filepath.Join(c.Storage.DataDir, "maabo.log")
	}

	binName := "maa"
	if runtime.GOOS == "windows" {
		binName = "maa.exe"
	}
	if c.Engine.Binary == "" {
		c.Engine.Binary = filepath.Join(c.Storage.DataDir, "bin", binName)
	}
	if c.Engine.ConfigDir == "" {
		c.Engine.ConfigDir = filepath.Join(c.Storage.DataDir, "maa")
	}
	if c.Engine.ResourceDir == "" {
		c.Engine.ResourceDir = filepath.Join(c.Storage.DataDir, "resource")
	}
	if c.Engine.CopilotDir == "" {
		c.Engine.CopilotDir = filepath.Join(c.Storage.DataDir, "copilot")
	}
	if c.Engine.TaskName == "" {
		c.Engine.TaskName = "maabo"
	}
	if c.Engine.Profile == "" {
		c.Engine.Profile = "default"
	}
	if len(c.Engine.RunArgs) == 0 {
		c.Engine.RunArgs = []string{"run", "{task}", "-p", "{profile}", "--batch"}
	}
	if c.Catalog.Dir == "" {
		c.Catalog.Dir = c.Engine.ResourceDir
	}

	if c.Relay.BufferSize <= 0 {
		c.Relay.BufferSize = 1024
	}
	if c.Relay.HistorySize <= 0 {
		c.Relay.HistorySize = 500
	}

	if c.Update.ManifestURL == "" {
		c.Update.ManifestURL = "https://github.com/MaaAssistantArknights/maa-cli/raw/version/stable.json"
	}
	if c.Update.DownloadBase == "" {
		c.Update.DownloadBase = "https://github.com/MaaAssistantArknights/maa-cli/releases/download"
	}
	if c.Update.Target == "" {
		c.Update.Target = DefaultTarget()
	}
	if c.Update.Schedule == "" {
		c.Update.Schedule = "@every 6h"
	}
	if c.Update.Retry.Count < 0 {
		c.Update.Retry.Count = 0
	}
	if c.Update.Breaker.MaxFailures == 0 {
		c.Update.Breaker.MaxFailures = 3
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Engine.Binary == "" {
		return errors.New("engine.binary is required")
	}
	if !strings.Contains(strings.Join(c.Engine.RunArgs, " "), "{task}") {
		return errors.New("engine.runArgs must reference {task}")
	}
	for i, r := range c.Relay.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("relay.rules[%d].pattern is required", i)
		}
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "maabo")
	}
	return "./data"
}

// DefaultTarget 返回当前平台在发布清单中的资产键名。
func DefaultTarget() string {
	arch := map[string]string{"amd64": "x86_64", "arm64": "aarch64"}[runtime.GOARCH]
	if arch == "" {
		arch = runtime.GOARCH
	}
	switch runtime.GOOS {
	case "windows":
		return arch + "-pc-windows-msvc"
	case "darwin":
		return "universal-apple-darwin"
	default:
		return arch + "-unknown-linux-gnu"
	}
}
