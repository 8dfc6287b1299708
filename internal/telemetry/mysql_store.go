package telemetry

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "IntegraFlow/internal/errors"
)

// MySQLStore 使用 MySQL 记录运行遥测，适合多台批处理机共享一个报表库的场景。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS run_records (
        id BIGINT PRIMARY KEY AUTO_INCREMENT,
        run_id VARCHAR(64) NOT NULL UNIQUE,
        integration_name VARCHAR(255) NOT NULL,
        status VARCHAR(16) NOT NULL,
        started_at VARCHAR(40) NOT NULL,
        ended_at VARCHAR(40) NOT NULL,
        duration_ms BIGINT NOT NULL,
        error_kind VARCHAR(64) DEFAULT '',
        error_message TEXT,
        INDEX idx_run_records_name (integration_name),
        INDEX idx_run_records_started (started_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 run_records 表失败")
	}
	return nil
}

// Record 追加一条运行记录。重复的 run_id 视为冲突。
func (s *MySQLStore) Record(ctx context.Context, rec *RunRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	const stmt = `INSERT INTO run_records
        (run_id, integration_name, status, started_at, ended_at, duration_ms, error_kind, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		rec.RunID,
		rec.IntegrationName,
		string(rec.Status),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.EndedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationMs,
		rec.ErrorKind,
		rec.ErrorMessage,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "运行 ID 重复")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// Query 执行参数化的只读查询。
func (s *MySQLStore) Query(ctx context.Context, stmt string, params ...any) ([]Row, error) {
	if err := guardStatement(stmt); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遥测查询失败")
	}
	defer rows.Close()
	return scanRows(rows)
}

// Report 聚合指定月份的运行记录。
func (s *MySQLStore) Report(ctx context.Context, period string) (*Report, error) {
	start, end, err := periodRange(period)
	if err != nil {
		return nil, err
	}
	const stmt = `SELECT integration_name, status, duration_ms
        FROM run_records WHERE started_at >= ? AND started_at < ?`
	rows, err := s.db.QueryContext(ctx, stmt,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取周期记录失败")
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status string
		if err := rows.Scan(&rec.IntegrationName, &status, &rec.DurationMs); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描周期记录失败")
		}
		rec.Status = Status(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历周期记录失败")
	}
	return aggregate(period, records), nil
}

// LastRun 返回指定集成最近一次运行的结束时间。
func (s *MySQLStore) LastRun(ctx context.Context, integrationName string) (time.Time, bool, error) {
	const stmt = `SELECT MAX(ended_at) FROM run_records WHERE integration_name = ?`
	var ended sql.NullString
	if err := s.db.QueryRowContext(ctx, stmt, integrationName).Scan(&ended); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最近运行失败")
	}
	if !ended.Valid || ended.String == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, ended.String)
	if err != nil {
		return time.Time{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析最近运行时间失败")
	}
	return ts, true, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
