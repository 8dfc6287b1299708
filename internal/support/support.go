package support

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/pkg/logger"
)

// Issue 描述一次需要人工关注的集成问题。
type Issue struct {
	RaisedAt        time.Time        `json:"raised_at"`
	IntegrationName string           `json:"integration_name,omitempty"`
	Kind            xerrors.Code     `json:"kind"`
	Severity        xerrors.Severity `json:"severity"`
	Message         string           `json:"message"`
	TicketRef       string           `json:"ticket_ref,omitempty"`
}

// Ticketer 将问题转发到外部工单系统并返回工单引用。
type Ticketer interface {
	CreateTicket(ctx context.Context, issue Issue) (string, error)
	Close() error
}

// Log 负责问题的本地留存与可选的工单转发。Raise 永不向调用方抛错：
// 记录问题本身绝不能让一次运行失败。
type Log struct {
	mu       sync.Mutex
	issues   []Issue
	ticketer Ticketer
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Log)

// WithTicketer 配置外部工单钩子。
func WithTicketer(t Ticketer) Option {
	return func(l *Log) {
		l.ticketer = t
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(l *Log) {
		l.logger = log
	}
}

// NewLog 创建支持日志。
func NewLog(opts ...Option) *Log {
	l := &Log{}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.logger == nil {
		l.logger = logger.Named("support")
	}
	return l
}

// Raise 记录一个问题。工单转发失败只会被记录，不会传播。
func (l *Log) Raise(ctx context.Context, issue Issue) {
	if l == nil {
		return
	}
	defer func() {
		// 支持通道上的任何意外都不允许波及运行本身。
		if r := recover(); r != nil {
			l.logger.Error("支持日志记录时发生 panic", slog.Any("panic", r))
		}
	}()

	if issue.RaisedAt.IsZero() {
		issue.RaisedAt = time.Now().UTC()
	}
	if issue.Severity == "" {
		issue.Severity = xerrors.AttributesOf(issue.Kind).Severity
	}

	if l.ticketer != nil {
		ref, err := l.ticketer.CreateTicket(ctx, issue)
		if err != nil {
			l.logger.Warn("转发工单失败",
				slog.Any("error", xerrors.Wrap(xerrors.CodeTicketFailure, err, "")),
				slog.String("integration", issue.IntegrationName),
			)
		} else {
			issue.TicketRef = ref
		}
	}

	l.mu.Lock()
	l.issues = append(l.issues, issue)
	l.mu.Unlock()

	l.logger.Error("问题已登记",
		slog.String("kind", string(issue.Kind)),
		slog.String("severity", string(issue.Severity)),
		slog.String("integration", issue.IntegrationName),
		slog.String("message", issue.Message),
		slog.String("ticket_ref", issue.TicketRef),
	)
}

// Notify 发送一条普通通知，不进入问题列表。
func (l *Log) Notify(message string) {
	if l == nil {
		return
	}
	l.logger.Info("通知", slog.String("message", message))
}

// Issues 返回已登记问题的副本。
func (l *Log) Issues() []Issue {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Issue, len(l.issues))
	copy(out, l.issues)
	return out
}

// Close 释放工单通道资源。
func (l *Log) Close() error {
	if l == nil || l.ticketer == nil {
		return nil
	}
	return l.ticketer.Close()
}
