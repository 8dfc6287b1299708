package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"IntegraFlow/internal/cache"
	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/registry"
	"IntegraFlow/internal/support"
	"IntegraFlow/internal/telemetry"
	"IntegraFlow/pkg/integration"
	"IntegraFlow/pkg/logger"
)

// DefaultDataTTL 是数据缓存的缺省有效期。
const DefaultDataTTL = 60 * time.Minute

// dataTTLKey 是集成配置中覆盖缓存有效期的键，单位分钟；0 关闭数据缓存。
const dataTTLKey = "cache_ttl_minutes"

// Runner 按三阶段生命周期执行单个集成：获取、后处理、交付。
// 阶段错误在 Runner 边界被吸收为终态的 RunRecord 与 Issue，绝不向上抛出。
type Runner struct {
	cache      cache.Store
	telemetry  telemetry.Store
	support    *support.Log
	logger     *slog.Logger
	dataTTL    time.Duration
	runTimeout time.Duration
	now        func() time.Time
}

// Option 配置 Runner。
type Option func(*Runner)

// WithCache 指定校验与数据两个命名空间共用的缓存存储。
func WithCache(store cache.Store) Option {
	return func(r *Runner) { r.cache = store }
}

// WithTelemetry 指定遥测存储。传 nil 表示由调用方负责持久化记录。
func WithTelemetry(store telemetry.Store) Option {
	return func(r *Runner) { r.telemetry = store }
}

// WithSupport 指定支持日志。
func WithSupport(log *support.Log) Option {
	return func(r *Runner) { r.support = log }
}

// WithLogger 指定结构化日志器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) { r.logger = log }
}

// WithDataTTL 覆盖数据缓存的缺省有效期。
func WithDataTTL(ttl time.Duration) Option {
	return func(r *Runner) { r.dataTTL = ttl }
}

// WithRunTimeout 为单次运行设置超时，零值表示不限时。
func WithRunTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.runTimeout = timeout }
}

// WithClock 注入时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New 构造 Runner。
func New(opts ...Option) *Runner {
	r := &Runner{
		dataTTL: DefaultDataTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Named("runner")
	}
	return r
}

// Run 执行一个集成的完整生命周期并返回终态记录。
// 返回的 error 只在遥测写入失败时非空，属于引擎级故障；
// 集成自身的阶段错误体现在记录的 status 与 error 字段中。
func (r *Runner) Run(ctx context.Context, d registry.Descriptor) (telemetry.RunRecord, error) {
	rec := telemetry.RunRecord{
		RunID:           uuid.NewString(),
		IntegrationName: d.Name,
		StartedAt:       r.now(),
	}

	// 批次取消只阻止调度器启动新的运行；已经开始的运行继续收尾，
	// 限时由单次运行超时负责。记录落盘同样不受批次取消影响。
	base := context.WithoutCancel(ctx)

	if err := r.Validate(base, d); err != nil {
		r.finalize(&rec, telemetry.StatusSkipped, err)
		r.raise(base, d.Name, err)
		return rec, r.persist(base, &rec)
	}
	if !d.Config.Enabled() {
		// 显式停用是合法状态，跳过但不产生 Issue。
		r.finalize(&rec, telemetry.StatusSkipped, nil)
		r.logger.Info("集成已停用，跳过执行", slog.String("integration", d.Name))
		return rec, r.persist(base, &rec)
	}

	runCtx := base
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(base, r.runTimeout)
		defer cancel()
	}

	if err := r.phases(runCtx, d, rec.RunID); err != nil {
		r.finalize(&rec, telemetry.StatusFailed, err)
		r.raise(base, d.Name, err)
		return rec, r.persist(base, &rec)
	}

	r.finalize(&rec, telemetry.StatusSuccess, nil)
	return rec, r.persist(base, &rec)
}

// phases 依次执行获取、后处理、交付，返回的错误已携带阶段错误码。
func (r *Runner) phases(ctx context.Context, d registry.Descriptor, runID string) error {
	instance := d.Entry()

	// 配置装配先于所有阶段：缓存命中会整个跳过获取阶段，
	// 交付参数不能指望在 FetchData 里被捕获。
	if c, ok := instance.(integration.Configurable); ok {
		if err := c.Configure(d.Config); err != nil {
			return xerrors.Wrap(xerrors.CodeValidationError, err, "配置装配失败")
		}
	}

	raw, err := r.fetch(ctx, d, instance)
	if err != nil {
		return r.classify(ctx, xerrors.CodeFetchError, err, "获取阶段失败")
	}

	processed, err := instance.PostprocessData(raw)
	if err != nil {
		return r.classify(ctx, xerrors.CodeTransformError, err, "后处理阶段失败")
	}

	outcome, err := instance.DeliverResults(ctx, runID, processed)
	if err != nil {
		return r.classify(ctx, xerrors.CodeDeliveryError, err, "交付阶段失败")
	}

	r.logger.Info("集成运行成功",
		slog.String("integration", d.Name),
		slog.String("run_id", runID),
		slog.String("target", outcome.Target),
		slog.Int("bytes", outcome.Bytes),
	)
	return nil
}

// fetch 优先读取数据缓存，未命中或过期时透传到集成并回写新值。
func (r *Runner) fetch(ctx context.Context, d registry.Descriptor, instance integration.Integration) (integration.RawPayload, error) {
	ttl, useCache := r.ttlFor(d.Config)
	key, keyed := "", false
	if useCache {
		key, keyed = r.dataCacheKey(d)
	}
	if keyed {
		if value, ok, err := r.cache.Get(ctx, key); err != nil {
			r.logger.Warn("读取数据缓存失败",
				slog.String("integration", d.Name), slog.Any("error", err))
		} else if ok {
			var raw integration.RawPayload
			if err := json.Unmarshal(value, &raw); err == nil {
				r.logger.Debug("数据缓存命中", slog.String("integration", d.Name))
				return raw, nil
			}
			// 无法解码的缓存值视为未命中，逐出后重新获取。
			_ = r.cache.Invalidate(ctx, key)
		}
	}

	raw, err := instance.FetchData(ctx, d.Config)
	if err != nil {
		return nil, err
	}

	if keyed {
		if value, err := json.Marshal(raw); err == nil {
			if err := r.cache.Put(ctx, key, value, ttl); err != nil {
				r.logger.Warn("写入数据缓存失败",
					slog.String("integration", d.Name), slog.Any("error", err))
			}
		}
	}
	return raw, nil
}

// dataCacheKey 由集成名与配置参数哈希派生确定性的缓存键。
func (r *Runner) dataCacheKey(d registry.Descriptor) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	hash, err := configHash(d.Config)
	if err != nil {
		return "", false
	}
	return cache.DataKey(d.Name, hash), true
}

// ttlFor 读取集成配置中的有效期覆盖，缺省为 Runner 的全局值。
// 显式写 0 表示本集成不使用数据缓存，每次运行都真实获取。
func (r *Runner) ttlFor(cfg integration.Config) (time.Duration, bool) {
	minutes := cfg.Int(dataTTLKey, -1)
	switch {
	case minutes == 0:
		return 0, false
	case minutes > 0:
		return time.Duration(minutes) * time.Minute, true
	default:
		return r.dataTTL, r.dataTTL > 0
	}
}

// classify 给阶段错误补上错误码：上下文超时统一归为 TIMEOUT，
// 已携带错误码的保持原样。
func (r *Runner) classify(ctx context.Context, code xerrors.Code, err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "运行超时")
	}
	if _, coded := xerrors.From(err); coded {
		return err
	}
	return xerrors.Wrap(code, err, message)
}

// finalize 填充记录的终态字段。
func (r *Runner) finalize(rec *telemetry.RunRecord, status telemetry.Status, err error) {
	rec.Status = status
	rec.EndedAt = r.now()
	rec.DurationMs = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if err != nil {
		rec.ErrorKind = string(xerrors.CodeOf(err))
		rec.ErrorMessage = err.Error()
	}
}

// persist 把记录写入遥测存储。存储缺席时由调用方负责落盘。
func (r *Runner) persist(ctx context.Context, rec *telemetry.RunRecord) error {
	if r.telemetry == nil {
		return nil
	}
	if err := r.telemetry.Record(ctx, rec); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遥测记录写入失败")
	}
	return nil
}

// raise 把运行期错误转交支持日志。
func (r *Runner) raise(ctx context.Context, name string, err error) {
	if r.support == nil {
		return
	}
	r.support.Raise(ctx, support.Issue{
		IntegrationName: name,
		Kind:            xerrors.CodeOf(err),
		Message:         err.Error(),
	})
}
