package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeManifestPair(t *testing.T, dir, metadata, config string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), []byte(metadata), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadManifestDefaultsNameToDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "weather_news")
	writeManifestPair(t, dir, "version: \"1.2.0\"\ntags: [weather]\n", "enabled: true\n")

	manifest, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if manifest.Metadata.Name != "weather_news" {
		t.Fatalf("expected name weather_news, got %s", manifest.Metadata.Name)
	}
	if manifest.Metadata.Entrypoint != "weather_news" {
		t.Fatalf("expected entrypoint to default to name, got %s", manifest.Metadata.Entrypoint)
	}
	if err := manifest.Validate(); err != nil {
		t.Fatalf("manifest should be valid: %v", err)
	}
	if !manifest.Config.Enabled() {
		t.Fatal("expected config to be enabled")
	}
}

func TestManifestValidateRequiresVersionAndTags(t *testing.T) {
	cases := []struct {
		name     string
		metadata string
	}{
		{"missing version", "tags: [demo]\n"},
		{"missing tags", "version: \"1.0.0\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "sample")
			writeManifestPair(t, dir, tc.metadata, "enabled: true\n")
			manifest, err := LoadManifest(dir)
			if err != nil {
				t.Fatalf("load manifest: %v", err)
			}
			if err := manifest.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestHasManifestPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "partial")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if HasManifestPair(dir) {
		t.Fatal("empty directory should not count as a candidate")
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte("enabled: false\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if HasManifestPair(dir) {
		t.Fatal("config.yaml alone should not count as a candidate")
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), []byte("version: \"1\"\n"), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if !HasManifestPair(dir) {
		t.Fatal("expected complete manifest pair to be detected")
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := Config{"enabled": true, "endpoint": "https://example.com", "cache_ttl_minutes": 15}
	if !cfg.Enabled() {
		t.Fatal("expected enabled")
	}
	if got := cfg.String("endpoint", ""); got != "https://example.com" {
		t.Fatalf("unexpected endpoint: %s", got)
	}
	if got := cfg.Int("cache_ttl_minutes", 60); got != 15 {
		t.Fatalf("unexpected ttl: %d", got)
	}
	if got := cfg.Int("missing", 60); got != 60 {
		t.Fatalf("expected fallback, got %d", got)
	}

	clone := cfg.Clone()
	clone["enabled"] = false
	if !cfg.Enabled() {
		t.Fatal("clone mutation leaked into original")
	}

	var absent Config
	if absent.Enabled() {
		t.Fatal("nil config should be disabled")
	}
}

type staticIntegration struct{}

func (staticIntegration) FetchData(context.Context, Config) (RawPayload, error) {
	return RawPayload{"ok": true}, nil
}
func (staticIntegration) PostprocessData(raw RawPayload) (ProcessedPayload, error) {
	return ProcessedPayload(raw), nil
}
func (staticIntegration) DeliverResults(context.Context, string, ProcessedPayload) (DeliveryOutcome, error) {
	return DeliveryOutcome{Target: "memory"}, nil
}

func TestBuiltinLoader(t *testing.T) {
	Register("static_test", func() Integration { return staticIntegration{} })

	factory, err := BuiltinLoader{}.Load("static_test")
	if err != nil {
		t.Fatalf("load builtin: %v", err)
	}
	if factory() == nil {
		t.Fatal("factory returned nil integration")
	}

	if _, err := (BuiltinLoader{}).Load("not_registered"); err == nil {
		t.Fatal("expected unknown entrypoint error")
	}

	// The default loader must route non-.so refs to the builtin registry.
	if _, err := (DefaultLoader{}).Load("static_test"); err != nil {
		t.Fatalf("default loader: %v", err)
	}
}
