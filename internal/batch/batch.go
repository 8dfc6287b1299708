package batch

import (
	"context"
	"log/slog"
	"time"

	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/registry"
	"IntegraFlow/internal/runner"
	"IntegraFlow/internal/scheduler"
	"IntegraFlow/internal/support"
	"IntegraFlow/internal/telemetry"
	"IntegraFlow/pkg/logger"
)

// RunOptions 选择要执行的集成与执行模式。Name 与 Tag 互斥优先 Name。
type RunOptions struct {
	Name string
	Tag  string
	Mode scheduler.Mode
}

// Summary 是一次批次的机器可读结果。
// WallClock 是批次整体耗时，与各记录 DurationMs 之和相互独立。
type Summary struct {
	Success   int                   `json:"success"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	WallClock time.Duration         `json:"wall_clock"`
	Records   []telemetry.RunRecord `json:"records"`
}

// Engine 是批次执行引擎的服务门面，供 CLI 调用。
type Engine struct {
	registry  *registry.Registry
	runner    *runner.Runner
	scheduler *scheduler.Scheduler
	telemetry telemetry.Store
	support   *support.Log
	logger    *slog.Logger
	now       func() time.Time
}

// Option 配置 Engine。
type Option func(*Engine)

// WithLogger 指定结构化日志器。
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.logger = log }
}

// WithClock 注入时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New 构造 Engine。
func New(reg *registry.Registry, run *runner.Runner, sched *scheduler.Scheduler,
	store telemetry.Store, supportLog *support.Log, opts ...Option) *Engine {
	e := &Engine{
		registry:  reg,
		runner:    run,
		scheduler: sched,
		telemetry: store,
		support:   supportLog,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Named("batch")
	}
	return e
}

// Run 发现、过滤并执行一批集成。
// 单个集成的失败体现在 Summary 的计数与记录中；返回非空 error 只代表
// 发现失败、遥测不可达或批次被取消这类引擎级故障。
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	catalog, err := e.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}
	selected := catalog.Apply(registry.Filter{Name: opts.Name, Tag: opts.Tag})
	if len(selected) == 0 {
		e.logger.Warn("没有匹配的集成",
			slog.String("name", opts.Name), slog.String("tag", opts.Tag))
		return &Summary{}, nil
	}

	started := e.now()
	records, err := e.scheduler.Execute(ctx, selected, opts.Mode)
	summary := summarize(records, e.now().Sub(started))
	if err != nil {
		return summary, err
	}

	e.logger.Info("批次完成",
		slog.Int("success", summary.Success),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Duration("wall_clock", summary.WallClock),
	)
	logger.Audit().Info("batch completed",
		slog.String("mode", string(opts.Mode)),
		slog.Int("integrations", len(selected)),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

// Validate 只做配置校验，不触发任何获取调用。
// 每个未通过校验的集成产生一条 ValidationError Issue，计入 Skipped。
func (e *Engine) Validate(ctx context.Context) (*Summary, error) {
	catalog, err := e.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, d := range catalog {
		if verr := e.runner.Validate(ctx, d); verr != nil {
			summary.Skipped++
			e.support.Raise(ctx, support.Issue{
				IntegrationName: d.Name,
				Kind:            xerrors.CodeValidationError,
				Message:         verr.Error(),
			})
			continue
		}
		summary.Success++
	}
	return summary, nil
}

// Report 生成指定月份（YYYY-MM）的遥测报表。
func (e *Engine) Report(ctx context.Context, period string) (*telemetry.Report, error) {
	report, err := e.telemetry.Report(ctx, period)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ExportReport 生成报表并写出 CSV 文件，返回报表与文件路径。
func (e *Engine) ExportReport(ctx context.Context, period, dir string) (*telemetry.Report, string, error) {
	report, err := e.Report(ctx, period)
	if err != nil {
		return nil, "", err
	}
	path, err := telemetry.WriteReportCSV(report, dir)
	if err != nil {
		return nil, "", err
	}
	return report, path, nil
}

// summarize 汇总记录为批次结果。
func summarize(records []telemetry.RunRecord, wallClock time.Duration) *Summary {
	summary := &Summary{
		WallClock: wallClock,
		Records:   records,
	}
	for _, rec := range records {
		switch rec.Status {
		case telemetry.StatusSuccess:
			summary.Success++
		case telemetry.StatusFailed:
			summary.Failed++
		case telemetry.StatusSkipped:
			summary.Skipped++
		}
	}
	return summary
}
