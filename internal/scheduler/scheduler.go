package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/registry"
	"IntegraFlow/internal/runner"
	"IntegraFlow/internal/telemetry"
	"IntegraFlow/pkg/logger"
)

// Mode 是批次的并发执行模式。
type Mode string

const (
	// ModeSequential 逐个执行，作为正确性基线。
	ModeSequential Mode = "sequential"
	// ModeConcurrent 每个运行一个协程，适合等待外部网络的 I/O 密集型批次。
	ModeConcurrent Mode = "concurrent"
	// ModeProcesses 每个运行一个隔离的工作进程，适合本地转换开销大的批次。
	ModeProcesses Mode = "processes"
)

// ParseMode 解析模式名，空串回落到顺序模式。
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeSequential, ModeConcurrent, ModeProcesses:
		return Mode(raw), nil
	case "":
		return ModeSequential, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的执行模式: %q", raw))
	}
}

// WorkerExec 在隔离的工作进程中执行一个集成并返回其记录。
// 返回 error 表示工作进程异常退出或输出无法解析。
type WorkerExec func(ctx context.Context, d registry.Descriptor) (telemetry.RunRecord, error)

// Scheduler 按指定模式调度一组集成的执行，保证每个入选集成
// 恰好产生一条 RunRecord。
type Scheduler struct {
	runner    *runner.Runner
	telemetry telemetry.Store
	logger    *slog.Logger
	workers   int
	execFn    WorkerExec
}

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithWorkers 限制进程模式下同时存活的工作进程数。
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTelemetry 指定进程模式下由父进程落盘用的遥测存储。
func WithTelemetry(store telemetry.Store) Option {
	return func(s *Scheduler) { s.telemetry = store }
}

// WithWorkerExec 注入工作进程的执行函数，测试使用。
func WithWorkerExec(fn WorkerExec) Option {
	return func(s *Scheduler) { s.execFn = fn }
}

// WithLogger 指定结构化日志器。
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = log }
}

// New 构造 Scheduler。r 在顺序与并发模式下直接执行运行。
func New(r *runner.Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:  r,
		workers: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("scheduler")
	}
	if s.execFn == nil {
		s.execFn = s.execProcessWorker
	}
	return s
}

// Execute 按模式执行目录中的所有集成。
// 单个集成的失败体现在其记录中，不会中断同批次的其他运行；
// 返回非空 error 只代表引擎级故障（遥测不可达）或批次被取消。
func (s *Scheduler) Execute(ctx context.Context, catalog registry.Catalog, mode Mode) ([]telemetry.RunRecord, error) {
	switch mode {
	case ModeConcurrent:
		return s.executeConcurrent(ctx, catalog)
	case ModeProcesses:
		return s.executeProcesses(ctx, catalog)
	default:
		return s.executeSequential(ctx, catalog)
	}
}

func (s *Scheduler) executeSequential(ctx context.Context, catalog registry.Catalog) ([]telemetry.RunRecord, error) {
	records := make([]telemetry.RunRecord, 0, len(catalog))
	for _, d := range catalog {
		// 取消只阻止启动新的运行，已产出的记录原样返回。
		if err := ctx.Err(); err != nil {
			return records, err
		}
		rec, err := s.runner.Run(ctx, d)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Scheduler) executeConcurrent(ctx context.Context, catalog registry.Catalog) ([]telemetry.RunRecord, error) {
	records := make([]telemetry.RunRecord, len(catalog))
	errs := make([]error, len(catalog))

	var wg sync.WaitGroup
	launched := 0
	for i, d := range catalog {
		if ctx.Err() != nil {
			break
		}
		launched++
		wg.Add(1)
		go func(i int, d registry.Descriptor) {
			defer wg.Done()
			records[i], errs[i] = s.runner.Run(ctx, d)
		}(i, d)
	}
	wg.Wait()

	out := make([]telemetry.RunRecord, 0, launched)
	for i := 0; i < launched; i++ {
		if errs[i] != nil {
			return out, errs[i]
		}
		out = append(out, records[i])
	}
	if err := ctx.Err(); err != nil && launched < len(catalog) {
		return out, err
	}
	return out, nil
}

func (s *Scheduler) executeProcesses(ctx context.Context, catalog registry.Catalog) ([]telemetry.RunRecord, error) {
	records := make([]telemetry.RunRecord, len(catalog))

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	launched := 0
	for i, d := range catalog {
		if ctx.Err() != nil {
			break
		}
		launched++
		wg.Add(1)
		go func(i int, d registry.Descriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			records[i] = s.runWorker(ctx, d)
		}(i, d)
	}
	wg.Wait()

	// 工作进程不持有遥测存储，记录统一由父进程落盘，
	// 保证每条记录只有一个写入方。
	out := make([]telemetry.RunRecord, 0, launched)
	for i := 0; i < launched; i++ {
		rec := records[i]
		if s.telemetry != nil {
			if err := s.telemetry.Record(ctx, &rec); err != nil {
				return out, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遥测记录写入失败")
			}
		}
		out = append(out, rec)
	}
	if err := ctx.Err(); err != nil && launched < len(catalog) {
		return out, err
	}
	return out, nil
}

// runWorker 把一个集成交给工作进程，崩溃被转换为 WorkerCrash 记录。
func (s *Scheduler) runWorker(ctx context.Context, d registry.Descriptor) telemetry.RunRecord {
	rec, err := s.execFn(ctx, d)
	if err != nil {
		s.logger.Error("工作进程异常退出",
			slog.String("integration", d.Name), slog.Any("error", err))
		return crashRecord(d.Name, err)
	}
	return rec
}
