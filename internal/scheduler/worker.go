package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/registry"
	"IntegraFlow/internal/runner"
	"IntegraFlow/internal/telemetry"
	"IntegraFlow/pkg/integration"
)

// WorkerFlag 是工作进程模式的命令行开关，由 cmd 层识别。
const WorkerFlag = "-worker"

// workerRequest 是父进程写入工作进程标准输入的任务描述。
// 进程边界只传初始配置与目录，不共享任何内存。
type workerRequest struct {
	Dir  string `json:"dir"`
	Name string `json:"name"`
}

// execProcessWorker 以自身可执行文件拉起一个隔离的工作进程，
// 任务经标准输入传入，RunRecord 经标准输出返回。
func (s *Scheduler) execProcessWorker(ctx context.Context, d registry.Descriptor) (telemetry.RunRecord, error) {
	self, err := os.Executable()
	if err != nil {
		return telemetry.RunRecord{}, xerrors.Wrap(xerrors.CodeWorkerCrash, err, "定位可执行文件失败")
	}

	request, err := json.Marshal(workerRequest{Dir: d.Dir, Name: d.Name})
	if err != nil {
		return telemetry.RunRecord{}, xerrors.Wrap(xerrors.CodeWorkerCrash, err, "序列化任务失败")
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, self, WorkerFlag)
	cmd.Stdin = bytes.NewReader(request)
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return telemetry.RunRecord{}, xerrors.Wrap(xerrors.CodeWorkerCrash, err, "工作进程退出异常")
	}

	var rec telemetry.RunRecord
	if err := json.Unmarshal(stdout.Bytes(), &rec); err != nil {
		return telemetry.RunRecord{}, xerrors.Wrap(xerrors.CodeWorkerCrash, err, "工作进程输出无法解析")
	}
	if rec.IntegrationName == "" || !telemetry.IsValidStatus(rec.Status) {
		return telemetry.RunRecord{}, xerrors.New(xerrors.CodeWorkerCrash, "工作进程输出不完整")
	}
	return rec, nil
}

// ServeWorker 是工作进程侧的入口：从 in 读取任务，在本进程内
// 重建描述符并执行生命周期，把终态记录写到 out。
// r 不应持有遥测存储，落盘由父进程完成。
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, r *runner.Runner, loader integration.Loader) error {
	var req workerRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取任务失败")
	}

	d, err := loadDescriptor(req, loader)
	if err != nil {
		return err
	}

	rec, err := r.Run(ctx, d)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(rec)
}

// loadDescriptor 在工作进程内按目录重建描述符。
func loadDescriptor(req workerRequest, loader integration.Loader) (registry.Descriptor, error) {
	manifest, err := integration.LoadManifest(req.Dir)
	if err != nil {
		return registry.Descriptor{}, xerrors.Wrap(xerrors.CodeValidationError, err, "解析清单失败")
	}
	if err := manifest.Validate(); err != nil {
		return registry.Descriptor{}, xerrors.Wrap(xerrors.CodeValidationError, err, "清单校验失败")
	}
	if req.Name != "" && manifest.Metadata.Name != req.Name {
		return registry.Descriptor{}, xerrors.New(xerrors.CodeValidationError,
			"清单名与任务不一致: "+manifest.Metadata.Name)
	}

	entrypoint := manifest.Metadata.Entrypoint
	if strings.HasSuffix(entrypoint, ".so") && !filepath.IsAbs(entrypoint) {
		entrypoint = filepath.Join(req.Dir, entrypoint)
	}
	factory, err := loader.Load(entrypoint)
	if err != nil {
		return registry.Descriptor{}, xerrors.Wrap(xerrors.CodeValidationError, err, "解析入口失败")
	}
	return registry.Descriptor{
		Name:            manifest.Metadata.Name,
		Version:         manifest.Metadata.Version,
		Tags:            manifest.Metadata.Tags,
		ConfigSchemaRef: manifest.SchemaPath(),
		Entry:           factory,
		Config:          manifest.Config,
		Dir:             req.Dir,
	}, nil
}

// crashRecord 为崩溃的工作进程合成一条终态记录。
func crashRecord(name string, cause error) telemetry.RunRecord {
	now := time.Now()
	return telemetry.RunRecord{
		RunID:           uuid.NewString(),
		IntegrationName: name,
		Status:          telemetry.StatusFailed,
		StartedAt:       now,
		EndedAt:         now,
		ErrorKind:       string(xerrors.CodeWorkerCrash),
		ErrorMessage:    cause.Error(),
	}
}
