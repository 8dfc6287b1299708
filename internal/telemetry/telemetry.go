package telemetry

import (
	"context"
	"sort"
	"strings"
	"time"

	xerrors "IntegraFlow/internal/errors"
)

// Status 表示一次集成运行的最终状态。
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// RunRecord 是一次集成运行的持久化遥测记录，写入后不再修改。
type RunRecord struct {
	RunID           string    `json:"run_id"`
	IntegrationName string    `json:"integration_name"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMs      int64     `json:"duration_ms"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// Row 是参数化查询返回的一行结果，列名到值的映射。
type Row map[string]any

// Store 抽象了遥测存储。所有查询只允许绑定参数，禁止字符串拼接。
type Store interface {
	Record(ctx context.Context, rec *RunRecord) error
	// Query 执行只读的参数化 SELECT 语句。
	Query(ctx context.Context, stmt string, params ...any) ([]Row, error)
	// Report 按日历月份（YYYY-MM）聚合运行记录。
	Report(ctx context.Context, period string) (*Report, error)
	// LastRun 返回指定集成最近一次运行的结束时间。
	LastRun(ctx context.Context, integrationName string) (time.Time, bool, error)
	Close() error
}

// Report 是一个周期内按集成聚合的运行指标。
type Report struct {
	Period string       `json:"period"`
	Lines  []ReportLine `json:"lines"`
}

// ReportLine 是单个集成在周期内的聚合指标。
type ReportLine struct {
	IntegrationName string  `json:"integration_name"`
	Runs            int     `json:"runs"`
	Success         int     `json:"success"`
	Failed          int     `json:"failed"`
	Skipped         int     `json:"skipped"`
	MeanDurationMs  float64 `json:"mean_duration_ms"`
	P95DurationMs   int64   `json:"p95_duration_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

// CurrentPeriod 返回当前日历月份的周期标识（YYYY-MM）。
func CurrentPeriod() string {
	return time.Now().Format("2006-01")
}

// periodRange 解析 YYYY-MM 并返回该月份的起止时间（前闭后开）。
func periodRange(period string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "周期格式必须为 YYYY-MM")
	}
	return start, start.AddDate(0, 1, 0), nil
}

// guardStatement 拒绝一切非 SELECT 语句与多语句拼接。
func guardStatement(stmt string) error {
	trimmed := strings.TrimSpace(stmt)
	if trimmed == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "查询语句不能为空")
	}
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT") {
		return xerrors.New(xerrors.CodeInvalidArgument, "遥测查询只允许 SELECT 语句")
	}
	if strings.Contains(strings.TrimRight(trimmed, "; \t\n"), ";") {
		return xerrors.New(xerrors.CodeInvalidArgument, "遥测查询不允许多条语句")
	}
	return nil
}

// aggregate 将周期内的原始记录聚合为报表，所有后端共用。
func aggregate(period string, records []RunRecord) *Report {
	type bucket struct {
		line      ReportLine
		durations []int64
	}
	buckets := map[string]*bucket{}
	for _, rec := range records {
		b, ok := buckets[rec.IntegrationName]
		if !ok {
			b = &bucket{line: ReportLine{IntegrationName: rec.IntegrationName}}
			buckets[rec.IntegrationName] = b
		}
		b.line.Runs++
		switch rec.Status {
		case StatusSuccess:
			b.line.Success++
		case StatusFailed:
			b.line.Failed++
		case StatusSkipped:
			b.line.Skipped++
		}
		b.durations = append(b.durations, rec.DurationMs)
	}

	report := &Report{Period: period}
	for _, b := range buckets {
		var total int64
		for _, d := range b.durations {
			total += d
		}
		if b.line.Runs > 0 {
			b.line.MeanDurationMs = float64(total) / float64(b.line.Runs)
			b.line.ErrorRate = float64(b.line.Failed) / float64(b.line.Runs)
		}
		b.line.P95DurationMs = percentile(b.durations, 95)
		report.Lines = append(report.Lines, b.line)
	}
	sort.Slice(report.Lines, func(i, j int) bool {
		return report.Lines[i].IntegrationName < report.Lines[j].IntegrationName
	})
	return report
}

// percentile 返回给定百分位的时长，采用最近秩法。
func percentile(durations []int64, pct int) int64 {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]int64, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (len(sorted)*pct + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
