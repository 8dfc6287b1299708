package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"IntegraFlow/pkg/logger"
)

// Config 描述了引擎在启动阶段需要加载的核心配置。
type Config struct {
	Integrations IntegrationsConfig `json:"integrations"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Cache        CacheConfig        `json:"cache"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
	Ticketing    TicketingConfig    `json:"ticketing"`
	Logging      logger.Config      `json:"logging"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// IntegrationsConfig 指向集成插件的根目录。
type IntegrationsConfig struct {
	Dir string `json:"dir"`
}

// SchedulerConfig 控制并发模式与工作进程数。
type SchedulerConfig struct {
	Mode string `json:"mode"`
	// Workers 限制进程模式下同时存活的工作进程数，0 取 CPU 核数。
	Workers int `json:"workers"`
	// RunTimeoutSeconds 是单次集成运行的超时，0 表示不限时。
	RunTimeoutSeconds int `json:"run_timeout_seconds"`
}

// CacheConfig 统一描述校验缓存与数据缓存的后端。
type CacheConfig struct {
	// Driver 可选 memory、file、redis。
	Driver string `json:"driver"`
	// Dir 是 file 后端的缓存目录。
	Dir string `json:"dir"`
	// DataTTLMinutes 是数据缓存的缺省有效期。
	DataTTLMinutes int         `json:"data_ttl_minutes"`
	Redis          RedisConfig `json:"redis"`
}

// RedisConfig 是 redis 缓存后端的连接信息。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// TelemetryConfig 描述遥测存储后端。
type TelemetryConfig struct {
	// Driver 可选 sqlite、mysql、memory。
	Driver string `json:"driver"`
	// Path 是 sqlite 后端的数据库文件。
	Path string `json:"path"`
	// DSN 是 mysql 后端的连接串。
	DSN string `json:"dsn"`
	// ReportDir 是 CSV 报表的输出目录。
	ReportDir string `json:"report_dir"`
}

// TicketingConfig 描述支持日志的工单转发后端。
type TicketingConfig struct {
	// Driver 可选 none、amqp。
	Driver string     `json:"driver"`
	AMQP   AMQPConfig `json:"amqp"`
}

// AMQPConfig 是 RabbitMQ 工单队列的连接信息。
type AMQPConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回不依赖配置文件的缺省配置，baseDir 作为相对路径的根。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Integrations.Dir == "" {
		c.Integrations.Dir = filepath.Join(baseDir, "integrations")
	} else if !filepath.IsAbs(c.Integrations.Dir) {
		c.Integrations.Dir = filepath.Join(baseDir, c.Integrations.Dir)
	}

	if c.Scheduler.Mode == "" {
		c.Scheduler.Mode = "sequential"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "file"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.Runtime.DataDir, "cache")
	} else if !filepath.IsAbs(c.Cache.Dir) {
		c.Cache.Dir = filepath.Join(baseDir, c.Cache.Dir)
	}
	if c.Cache.DataTTLMinutes <= 0 {
		c.Cache.DataTTLMinutes = 60
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "localhost:6379"
	}

	if c.Telemetry.Driver == "" {
		c.Telemetry.Driver = "sqlite"
	}
	if c.Telemetry.Path == "" {
		c.Telemetry.Path = filepath.Join(c.Runtime.DataDir, "telemetry.db")
	} else if !filepath.IsAbs(c.Telemetry.Path) {
		c.Telemetry.Path = filepath.Join(baseDir, c.Telemetry.Path)
	}
	if c.Telemetry.ReportDir == "" {
		c.Telemetry.ReportDir = filepath.Join(c.Runtime.DataDir, "reports")
	} else if !filepath.IsAbs(c.Telemetry.ReportDir) {
		c.Telemetry.ReportDir = filepath.Join(baseDir, c.Telemetry.ReportDir)
	}

	if c.Ticketing.Driver == "" {
		c.Ticketing.Driver = "none"
	}
	if c.Ticketing.AMQP.Queue == "" {
		c.Ticketing.AMQP.Queue = "integraflow.tickets"
	}
}
