package telemetry

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	xerrors "IntegraFlow/internal/errors"
)

// SQLiteStore 使用内嵌 SQLite 数据库记录运行遥测，是单机部署的默认后端。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（必要时创建）指定路径的遥测数据库。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// modernc/sqlite 的单连接写模型，限制连接数避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS run_records (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL UNIQUE,
        integration_name TEXT NOT NULL,
        status TEXT NOT NULL,
        started_at TEXT NOT NULL,
        ended_at TEXT NOT NULL,
        duration_ms INTEGER NOT NULL,
        error_kind TEXT DEFAULT '',
        error_message TEXT DEFAULT ''
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 run_records 表失败")
	}
	for _, index := range []string{
		`CREATE INDEX IF NOT EXISTS idx_run_records_name ON run_records(integration_name)`,
		`CREATE INDEX IF NOT EXISTS idx_run_records_started ON run_records(started_at)`,
	} {
		if _, err := s.db.Exec(index); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 run_records 索引失败")
		}
	}
	return nil
}

// Record 追加一条运行记录。
func (s *SQLiteStore) Record(ctx context.Context, rec *RunRecord) error {
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
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// Query 执行参数化的只读查询。
func (s *SQLiteStore) Query(ctx context.Context, stmt string, params ...any) ([]Row, error) {
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
func (s *SQLiteStore) Report(ctx context.Context, period string) (*Report, error) {
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
func (s *SQLiteStore) LastRun(ctx context.Context, integrationName string) (time.Time, bool, error) {
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
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func validateRecord(rec *RunRecord) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行记录不能为空")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if strings.TrimSpace(rec.IntegrationName) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "集成名不能为空")
	}
	if !IsValidStatus(rec.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的运行状态")
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取查询列失败")
	}
	var results []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描查询行失败")
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			value := values[i]
			if raw, ok := value.([]byte); ok {
				value = string(raw)
			}
			row[col] = value
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历查询结果失败")
	}
	return results, nil
}
