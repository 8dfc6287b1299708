package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"IntegraFlow/internal/cache"
	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/registry"
	"IntegraFlow/internal/runner"
	"IntegraFlow/internal/support"
	"IntegraFlow/internal/telemetry"
	"IntegraFlow/pkg/integration"
)

type scriptedIntegration struct {
	fetchErr   error
	fetchDelay time.Duration
}

func (s scriptedIntegration) FetchData(ctx context.Context, _ integration.Config) (integration.RawPayload, error) {
	if s.fetchDelay > 0 {
		select {
		case <-time.After(s.fetchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return integration.RawPayload{"ok": true}, nil
}

func (s scriptedIntegration) PostprocessData(raw integration.RawPayload) (integration.ProcessedPayload, error) {
	return integration.ProcessedPayload(raw), nil
}

func (s scriptedIntegration) DeliverResults(context.Context, string, integration.ProcessedPayload) (integration.DeliveryOutcome, error) {
	return integration.DeliveryOutcome{Target: "memory"}, nil
}

func testCatalog(failing map[string]bool, names ...string) registry.Catalog {
	var catalog registry.Catalog
	for _, name := range names {
		impl := scriptedIntegration{}
		if failing[name] {
			impl.fetchErr = errScripted("source down")
		}
		catalog = append(catalog, registry.Descriptor{
			Name:    name,
			Version: "1.0.0",
			Tags:    []string{"test"},
			Entry: func(impl scriptedIntegration) integration.Factory {
				return func() integration.Integration { return impl }
			}(impl),
			Config: integration.Config{"enabled": true},
		})
	}
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Name < catalog[j].Name })
	return catalog
}

func inProcessRunner(store telemetry.Store) *runner.Runner {
	return runner.New(
		runner.WithCache(cache.NewMemoryStore()),
		runner.WithTelemetry(store),
		runner.WithSupport(support.NewLog()),
	)
}

// outcomes 把记录压缩成 name→status 映射，用于模式间的等价比较。
func outcomes(records []telemetry.RunRecord) map[string]telemetry.Status {
	out := make(map[string]telemetry.Status, len(records))
	for _, rec := range records {
		out[rec.IntegrationName] = rec.Status
	}
	return out
}

func TestSequentialAndConcurrentAgree(t *testing.T) {
	failing := map[string]bool{"beta": true}
	names := []string{"alpha", "beta", "gamma", "delta"}

	seqStore := telemetry.NewMemoryStore()
	seq := New(inProcessRunner(seqStore))
	seqRecords, err := seq.Execute(context.Background(), testCatalog(failing, names...), ModeSequential)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}

	conStore := telemetry.NewMemoryStore()
	con := New(inProcessRunner(conStore))
	conRecords, err := con.Execute(context.Background(), testCatalog(failing, names...), ModeConcurrent)
	if err != nil {
		t.Fatalf("concurrent: %v", err)
	}

	if len(seqRecords) != len(names) || len(conRecords) != len(names) {
		t.Fatalf("expected %d records per mode, got %d and %d",
			len(names), len(seqRecords), len(conRecords))
	}
	seqOut, conOut := outcomes(seqRecords), outcomes(conRecords)
	for _, name := range names {
		if seqOut[name] != conOut[name] {
			t.Fatalf("mode disagreement for %s: %s vs %s", name, seqOut[name], conOut[name])
		}
	}
	if seqOut["beta"] != telemetry.StatusFailed {
		t.Fatalf("beta must fail, got %s", seqOut["beta"])
	}
	if seqOut["alpha"] != telemetry.StatusSuccess {
		t.Fatalf("alpha must succeed, got %s", seqOut["alpha"])
	}
	if got := len(seqStore.Records()); got != len(names) {
		t.Fatalf("sequential telemetry records: %d", got)
	}
	if got := len(conStore.Records()); got != len(names) {
		t.Fatalf("concurrent telemetry records: %d", got)
	}
}

func TestExactlyOneRecordPerIntegration(t *testing.T) {
	failing := map[string]bool{"b": true, "d": true}
	names := []string{"a", "b", "c", "d", "e"}

	store := telemetry.NewMemoryStore()
	s := New(inProcessRunner(store))
	records, err := s.Execute(context.Background(), testCatalog(failing, names...), ModeConcurrent)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(records) != len(names) {
		t.Fatalf("expected %d records, got %d", len(names), len(records))
	}
	failed := 0
	seen := map[string]int{}
	for _, rec := range records {
		seen[rec.IntegrationName]++
		if rec.Status == telemetry.StatusFailed {
			failed++
		}
	}
	for _, name := range names {
		if seen[name] != 1 {
			t.Fatalf("integration %s has %d records", name, seen[name])
		}
	}
	if failed != 2 {
		t.Fatalf("expected exactly 2 failed records, got %d", failed)
	}
}

func TestProcessModeUsesWorkerExec(t *testing.T) {
	store := telemetry.NewMemoryStore()
	s := New(inProcessRunner(nil),
		WithTelemetry(store),
		WithWorkers(2),
		WithWorkerExec(func(ctx context.Context, d registry.Descriptor) (telemetry.RunRecord, error) {
			now := time.Now()
			return telemetry.RunRecord{
				RunID:           "run-" + d.Name,
				IntegrationName: d.Name,
				Status:          telemetry.StatusSuccess,
				StartedAt:       now,
				EndedAt:         now,
			}, nil
		}),
	)

	records, err := s.Execute(context.Background(), testCatalog(nil, "a", "b", "c"), ModeProcesses)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	// 进程模式下记录由父进程统一落盘。
	if got := len(store.Records()); got != 3 {
		t.Fatalf("parent must persist all records, got %d", got)
	}
}

func TestProcessModeWorkerCrashBecomesFailedRecord(t *testing.T) {
	store := telemetry.NewMemoryStore()
	s := New(inProcessRunner(nil),
		WithTelemetry(store),
		WithWorkerExec(func(ctx context.Context, d registry.Descriptor) (telemetry.RunRecord, error) {
			if d.Name == "b" {
				return telemetry.RunRecord{}, errScripted("signal: killed")
			}
			now := time.Now()
			return telemetry.RunRecord{
				RunID:           "run-" + d.Name,
				IntegrationName: d.Name,
				Status:          telemetry.StatusSuccess,
				StartedAt:       now,
				EndedAt:         now,
			}, nil
		}),
	)

	records, err := s.Execute(context.Background(), testCatalog(nil, "a", "b", "c"), ModeProcesses)
	if err != nil {
		t.Fatalf("crash must not abort the batch: %v", err)
	}
	out := outcomes(records)
	if out["b"] != telemetry.StatusFailed {
		t.Fatalf("crashed worker must yield a failed record, got %s", out["b"])
	}
	for _, rec := range records {
		if rec.IntegrationName == "b" && rec.ErrorKind != string(xerrors.CodeWorkerCrash) {
			t.Fatalf("expected WorkerCrash kind, got %s", rec.ErrorKind)
		}
	}
	if out["a"] != telemetry.StatusSuccess || out["c"] != telemetry.StatusSuccess {
		t.Fatalf("siblings must be unaffected: %+v", out)
	}
}

func TestCancellationLetsInFlightRunsFinish(t *testing.T) {
	store := telemetry.NewMemoryStore()
	catalog := registry.Catalog{{
		Name:    "slow",
		Version: "1.0.0",
		Tags:    []string{"test"},
		Entry: func() integration.Integration {
			return scriptedIntegration{fetchDelay: 80 * time.Millisecond}
		},
		Config: integration.Config{"enabled": true},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	s := New(inProcessRunner(store))
	records, err := s.Execute(ctx, catalog, ModeConcurrent)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the in-flight run to complete, got %d records", len(records))
	}
	// 取消只拦新启动的运行，进行中的这次要跑到成功收尾。
	if records[0].Status != telemetry.StatusSuccess {
		t.Fatalf("in-flight run must finish, got %s (%s)",
			records[0].Status, records[0].ErrorMessage)
	}
	if got := len(store.Records()); got != 1 {
		t.Fatalf("record must persist despite cancellation, got %d", got)
	}
}

func TestCancellationStopsNewLaunches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(inProcessRunner(telemetry.NewMemoryStore()))
	records, err := s.Execute(ctx, testCatalog(nil, "a", "b", "c"), ModeSequential)
	if err == nil {
		t.Fatal("cancelled batch must surface the context error")
	}
	if len(records) != 0 {
		t.Fatalf("no runs may launch after cancellation, got %d records", len(records))
	}
}

func TestParseMode(t *testing.T) {
	for raw, want := range map[string]Mode{
		"":           ModeSequential,
		"sequential": ModeSequential,
		"concurrent": ModeConcurrent,
		"processes":  ModeProcesses,
	} {
		got, err := ParseMode(raw)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseMode("threads"); err == nil {
		t.Fatal("unknown mode must be rejected")
	}
}

func TestServeWorkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plugin := filepath.Join(dir, "echo")
	if err := os.MkdirAll(plugin, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	metadata := "version: \"1.0.0\"\ntags: [test]\nentrypoint: echo_builtin\n"
	if err := os.WriteFile(filepath.Join(plugin, integration.MetadataFile), []byte(metadata), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(plugin, integration.ConfigFile), []byte("enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := mapLoader{"echo_builtin": func() integration.Integration { return scriptedIntegration{} }}
	r := runner.New(
		runner.WithCache(cache.NewMemoryStore()),
		runner.WithSupport(support.NewLog()),
	)

	request, _ := json.Marshal(workerRequest{Dir: plugin, Name: "echo"})
	var out bytes.Buffer
	if err := ServeWorker(context.Background(), bytes.NewReader(request), &out, r, loader); err != nil {
		t.Fatalf("serve worker: %v", err)
	}

	var rec telemetry.RunRecord
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.IntegrationName != "echo" || rec.Status != telemetry.StatusSuccess {
		t.Fatalf("unexpected worker record: %+v", rec)
	}
}

type mapLoader map[string]integration.Factory

func (m mapLoader) Load(ref string) (integration.Factory, error) {
	if factory, ok := m[ref]; ok {
		return factory, nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "unknown entrypoint "+ref)
}

type errScripted string

func (e errScripted) Error() string { return string(e) }
