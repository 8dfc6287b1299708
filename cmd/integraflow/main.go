package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"IntegraFlow/internal/batch"
	"IntegraFlow/internal/cache"
	"IntegraFlow/internal/config"
	"IntegraFlow/internal/registry"
	"IntegraFlow/internal/runner"
	"IntegraFlow/internal/scheduler"
	"IntegraFlow/internal/support"
	"IntegraFlow/internal/telemetry"
	"IntegraFlow/pkg/integration"
	"IntegraFlow/pkg/logger"

	// 注册内置示例集成。
	_ "IntegraFlow/examples/integrations/helloworld"
	_ "IntegraFlow/examples/integrations/weathernews"
)

type cliOptions struct {
	configPath string
	name       string
	tag        string
	mode       string
	validate   bool
	report     string
	list       bool
	contact    string
	orderBy    string
	worker     bool
	verbose    bool
}

// main 是批次引擎命令行的入口。
func main() {
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("integraflow 运行失败: %v", err)
	}
}

func parseFlags() cliOptions {
	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", "", "配置文件路径（缺省 configs/integraflow.json）")
	flag.StringVar(&opts.name, "name", "", "只执行指定名字的集成")
	flag.StringVar(&opts.tag, "tag", "", "只执行携带指定标签的集成")
	flag.StringVar(&opts.mode, "mode", "", "执行模式: sequential、concurrent、processes")
	flag.BoolVar(&opts.validate, "validate", false, "只校验配置，不执行任何获取")
	flag.StringVar(&opts.report, "report", "", "生成指定月份（YYYY-MM）的遥测报表")
	flag.BoolVar(&opts.list, "list", false, "列出目录中的集成")
	flag.StringVar(&opts.contact, "contact", "", "只列出联系人匹配的集成（配合 -list）")
	flag.StringVar(&opts.orderBy, "order-by", "", "清单排序方式: name、last_updated（配合 -list）")
	flag.BoolVar(&opts.worker, "worker", false, "内部使用：以工作进程模式运行")
	flag.BoolVar(&opts.verbose, "verbose", false, "输出调试日志")
	flag.Parse()
	return opts
}

func run(ctx context.Context, opts cliOptions) error {
	// .env 只为集成的获取阶段注入凭据，引擎核心不读取。
	_ = godotenv.Load()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	if opts.verbose && logCfg.Level == "" {
		logCfg.Level = "debug"
	}
	if opts.worker {
		// 工作进程的标准输出是记录通道，日志只许走标准错误。
		logCfg.Outputs = []string{"stderr"}
	}
	if err := logger.Init(logCfg); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	cacheStore, err := buildCache(cfg)
	if err != nil {
		return err
	}
	defer cacheStore.Close()

	if opts.worker {
		return serveWorker(ctx, cfg, cacheStore)
	}

	telemetryStore, err := buildTelemetry(cfg)
	if err != nil {
		return err
	}
	defer telemetryStore.Close()

	supportLog, err := buildSupportLog(cfg)
	if err != nil {
		return err
	}
	defer supportLog.Close()

	mode, err := scheduler.ParseMode(firstNonEmpty(opts.mode, cfg.Scheduler.Mode))
	if err != nil {
		return err
	}

	reg := registry.New(cfg.Integrations.Dir, supportLog)
	lifecycle := runner.New(
		runner.WithCache(cacheStore),
		runner.WithTelemetry(telemetryStore),
		runner.WithSupport(supportLog),
		runner.WithDataTTL(time.Duration(cfg.Cache.DataTTLMinutes)*time.Minute),
		runner.WithRunTimeout(time.Duration(cfg.Scheduler.RunTimeoutSeconds)*time.Second),
	)
	sched := scheduler.New(lifecycle,
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithTelemetry(telemetryStore),
	)
	engine := batch.New(reg, lifecycle, sched, telemetryStore, supportLog)

	switch {
	case opts.validate:
		return runValidate(ctx, engine)
	case opts.report != "":
		return runReport(ctx, engine, opts.report, cfg.Telemetry.ReportDir)
	case opts.list:
		return runList(ctx, engine, opts)
	default:
		return runBatch(ctx, engine, opts, mode)
	}
}

// configEnv 把配置路径传给工作进程，工作进程不解析业务参数。
const configEnv = "INTEGRAFLOW_CONFIG"

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		path = filepath.Join("configs", "integraflow.json")
		if _, err := os.Stat(path); err != nil {
			// 没有配置文件时按当前目录的缺省值运行。
			return config.Default("."), nil
		}
	}
	// 工作进程经环境变量继承同一份配置。
	_ = os.Setenv(configEnv, path)
	return config.Load(path)
}

func buildCache(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Driver {
	case "", "file":
		return cache.NewFileStore(cfg.Cache.Dir)
	case "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		return cache.NewRedisStore(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
}

func buildTelemetry(cfg *config.Config) (telemetry.Store, error) {
	switch cfg.Telemetry.Driver {
	case "", "sqlite":
		return telemetry.NewSQLiteStore(cfg.Telemetry.Path)
	case "mysql":
		return telemetry.NewMySQLStore(cfg.Telemetry.DSN)
	case "memory":
		return telemetry.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("未知的遥测驱动: %s", cfg.Telemetry.Driver)
	}
}

func buildSupportLog(cfg *config.Config) (*support.Log, error) {
	switch cfg.Ticketing.Driver {
	case "", "none":
		return support.NewLog(), nil
	case "amqp":
		ticketer, err := support.NewAMQPTicketer(support.AMQPConfig{
			URL:     cfg.Ticketing.AMQP.URL,
			Queue:   cfg.Ticketing.AMQP.Queue,
			Durable: true,
		})
		if err != nil {
			return nil, err
		}
		return support.NewLog(support.WithTicketer(ticketer)), nil
	default:
		return nil, fmt.Errorf("未知的工单驱动: %s", cfg.Ticketing.Driver)
	}
}

// serveWorker 在工作进程内执行单个集成，记录经标准输出返回父进程。
func serveWorker(ctx context.Context, cfg *config.Config, cacheStore cache.Store) error {
	run := runner.New(
		runner.WithCache(cacheStore),
		runner.WithSupport(support.NewLog()),
		runner.WithDataTTL(time.Duration(cfg.Cache.DataTTLMinutes)*time.Minute),
		runner.WithRunTimeout(time.Duration(cfg.Scheduler.RunTimeoutSeconds)*time.Second),
	)
	return scheduler.ServeWorker(ctx, os.Stdin, os.Stdout, run, integration.DefaultLoader{})
}

func runBatch(ctx context.Context, engine *batch.Engine, opts cliOptions, mode scheduler.Mode) error {
	summary, err := engine.Run(ctx, batch.RunOptions{
		Name: opts.name,
		Tag:  opts.tag,
		Mode: mode,
	})
	if err != nil {
		return err
	}
	// 单个集成失败不改变退出码，批次总是以逐集成摘要收尾；
	// 只有引擎级故障才以非零状态退出。
	printJSON(summaryView{
		Success:     summary.Success,
		Failed:      summary.Failed,
		Skipped:     summary.Skipped,
		WallClockMs: summary.WallClock.Milliseconds(),
	})
	return nil
}

func runValidate(ctx context.Context, engine *batch.Engine) error {
	summary, err := engine.Validate(ctx)
	if err != nil {
		return err
	}
	printJSON(summaryView{Success: summary.Success, Skipped: summary.Skipped})
	return nil
}

func runReport(ctx context.Context, engine *batch.Engine, period, dir string) error {
	report, path, err := engine.ExportReport(ctx, period, dir)
	if err != nil {
		return err
	}
	printJSON(report)
	fmt.Fprintf(os.Stderr, "报表已写入 %s\n", path)
	return nil
}

func runList(ctx context.Context, engine *batch.Engine, opts cliOptions) error {
	order, err := batch.ParseListOrder(opts.orderBy)
	if err != nil {
		return err
	}
	listings, err := engine.List(ctx, batch.ListOptions{
		Tag:     opts.tag,
		Contact: opts.contact,
		Order:   order,
	})
	if err != nil {
		return err
	}
	printJSON(listings)
	return nil
}

// summaryView 是命令行输出的机器可读摘要。
type summaryView struct {
	Success     int   `json:"success"`
	Failed      int   `json:"failed"`
	Skipped     int   `json:"skipped"`
	WallClockMs int64 `json:"wall_clock_ms"`
}

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
