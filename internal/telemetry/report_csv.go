package telemetry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	xerrors "IntegraFlow/internal/errors"
)

// WriteReportCSV 将报表写入 dir 下的 telemetry_report_<period>.csv 并返回文件路径。
func WriteReportCSV(report *Report, dir string) (string, error) {
	if report == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "报表不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建报表目录失败")
	}
	path := filepath.Join(dir, fmt.Sprintf("telemetry_report_%s.csv", report.Period))
	file, err := os.Create(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建报表文件失败")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"integration_name", "runs", "success", "failed", "skipped", "mean_duration_ms", "p95_duration_ms", "error_rate"}
	if err := writer.Write(header); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报表表头失败")
	}
	for _, line := range report.Lines {
		row := []string{
			line.IntegrationName,
			strconv.Itoa(line.Runs),
			strconv.Itoa(line.Success),
			strconv.Itoa(line.Failed),
			strconv.Itoa(line.Skipped),
			strconv.FormatFloat(line.MeanDurationMs, 'f', 2, 64),
			strconv.FormatInt(line.P95DurationMs, 10),
			strconv.FormatFloat(line.ErrorRate, 'f', 4, 64),
		}
		if err := writer.Write(row); err != nil {
			return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报表行失败")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新报表文件失败")
	}
	return path, nil
}
