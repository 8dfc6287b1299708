package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/support"
	"IntegraFlow/pkg/integration"
)

type nopIntegration struct{}

func (nopIntegration) FetchData(context.Context, integration.Config) (integration.RawPayload, error) {
	return integration.RawPayload{}, nil
}
func (nopIntegration) PostprocessData(raw integration.RawPayload) (integration.ProcessedPayload, error) {
	return integration.ProcessedPayload(raw), nil
}
func (nopIntegration) DeliverResults(context.Context, string, integration.ProcessedPayload) (integration.DeliveryOutcome, error) {
	return integration.DeliveryOutcome{}, nil
}

type mapLoader map[string]integration.Factory

func (m mapLoader) Load(ref string) (integration.Factory, error) {
	if factory, ok := m[ref]; ok {
		return factory, nil
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "unknown entrypoint "+ref)
}

func writePlugin(t *testing.T, root, dir, metadata, config string) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, integration.MetadataFile), []byte(metadata), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, integration.ConfigFile), []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func testLoader() mapLoader {
	factory := integration.Factory(func() integration.Integration { return nopIntegration{} })
	return mapLoader{"hello_world": factory, "weather_news": factory, "alpha": factory, "beta": factory}
}

func TestDiscoverBuildsSortedCatalog(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "weather_news",
		"version: \"2.0.0\"\ntags: [weather, external]\ndescription: weather feed\n",
		"enabled: true\nendpoint: https://api.example.com/weather\n")
	writePlugin(t, root, "hello_world",
		"version: \"1.0.0\"\ntags: [demo]\n",
		"enabled: true\n")
	// 缺少清单对的目录不是候选。
	if err := os.MkdirAll(filepath.Join(root, "not_a_plugin"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	supportLog := support.NewLog(support.WithLogger(slog.Default()))
	reg := New(root, supportLog, WithLoader(testLoader()), WithLogger(slog.Default()))

	catalog, err := reg.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := catalog.Names(); !reflect.DeepEqual(got, []string{"hello_world", "weather_news"}) {
		t.Fatalf("unexpected catalog order: %v", got)
	}
	weather, ok := catalog.Lookup("weather_news")
	if !ok {
		t.Fatal("weather_news missing from catalog")
	}
	if weather.Version != "2.0.0" || !weather.HasTag("external") {
		t.Fatalf("unexpected descriptor: %+v", weather)
	}
	if weather.Entry == nil || weather.Entry() == nil {
		t.Fatal("descriptor entry must resolve to an implementation")
	}
	if len(supportLog.Issues()) != 0 {
		t.Fatalf("no issues expected, got %+v", supportLog.Issues())
	}
}

func TestDiscoverExcludesInvalidCandidates(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "hello_world", "version: \"1.0.0\"\ntags: [demo]\n", "enabled: true\n")
	// 无版本号。
	writePlugin(t, root, "no_version", "tags: [demo]\n", "enabled: true\n")
	// 无标签。
	writePlugin(t, root, "no_tags", "version: \"1.0.0\"\n", "enabled: true\n")
	// 入口无法解析。
	writePlugin(t, root, "ghost", "version: \"1.0.0\"\ntags: [demo]\nentrypoint: missing\n", "enabled: true\n")
	// 清单损坏。
	writePlugin(t, root, "broken", "version: [\n", "enabled: true\n")

	supportLog := support.NewLog(support.WithLogger(slog.Default()))
	reg := New(root, supportLog, WithLoader(testLoader()), WithLogger(slog.Default()))

	catalog, err := reg.Discover(context.Background())
	if err != nil {
		t.Fatalf("discovery must not abort on bad plugins: %v", err)
	}
	if got := catalog.Names(); !reflect.DeepEqual(got, []string{"hello_world"}) {
		t.Fatalf("unexpected catalog: %v", got)
	}

	issues := supportLog.Issues()
	if len(issues) != 4 {
		t.Fatalf("expected 4 validation issues, got %d: %+v", len(issues), issues)
	}
	for _, issue := range issues {
		if issue.Kind != xerrors.CodeValidationError {
			t.Fatalf("expected ValidationError issues, got %s", issue.Kind)
		}
	}
}

func TestDiscoverIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", "version: \"1.0.0\"\ntags: [a]\n", "enabled: true\n")
	writePlugin(t, root, "beta", "version: \"1.1.0\"\ntags: [b]\n", "enabled: false\n")

	supportLog := support.NewLog(support.WithLogger(slog.Default()))
	reg := New(root, supportLog, WithLoader(testLoader()), WithLogger(slog.Default()))

	first, err := reg.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	second, err := reg.Discover(context.Background())
	if err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("catalog size changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name ||
			first[i].Version != second[i].Version ||
			!reflect.DeepEqual(first[i].Tags, second[i].Tags) ||
			!reflect.DeepEqual(first[i].Config, second[i].Config) {
			t.Fatalf("descriptor %d differs between discoveries", i)
		}
	}
}

func TestCatalogFilter(t *testing.T) {
	catalog := Catalog{
		{Name: "alpha", Tags: []string{"crm", "external"}},
		{Name: "beta", Tags: []string{"crm"}},
		{Name: "gamma", Tags: []string{"weather"}},
	}

	byName := catalog.Apply(Filter{Name: "beta"})
	if len(byName) != 1 || byName[0].Name != "beta" {
		t.Fatalf("unexpected name filter result: %+v", byName)
	}
	if got := catalog.Apply(Filter{Name: "unknown"}); len(got) != 0 {
		t.Fatalf("unknown name must be empty, got %+v", got)
	}

	byTag := catalog.Apply(Filter{Tag: "crm"})
	if len(byTag) != 2 {
		t.Fatalf("unexpected tag filter result: %+v", byTag)
	}
	if got := catalog.Apply(Filter{Tag: "nope"}); len(got) != 0 {
		t.Fatalf("unknown tag must be empty, got %+v", got)
	}

	both := catalog.Apply(Filter{Name: "alpha", Tag: "crm"})
	if len(both) != 1 || both[0].Name != "alpha" {
		t.Fatalf("unexpected combined filter result: %+v", both)
	}
	if got := catalog.Apply(Filter{}); len(got) != 3 {
		t.Fatalf("zero filter must return everything, got %d", len(got))
	}
}
