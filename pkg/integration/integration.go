package integration

import "context"

// Config is the parsed per-integration configuration block from config.yaml.
type Config map[string]any

// RawPayload is the untransformed data produced by the fetch phase.
type RawPayload map[string]any

// ProcessedPayload is the output of the postprocess phase.
type ProcessedPayload map[string]any

// DeliveryOutcome describes where and how much the deliver phase wrote.
type DeliveryOutcome struct {
	Target string `json:"target"`
	Bytes  int    `json:"bytes"`
}

// Integration defines the three lifecycle operations every plugin must satisfy.
// The engine executes them strictly in order for one run: fetch, postprocess,
// deliver.
type Integration interface {
	// FetchData obtains raw data from the integration's source. The engine may
	// satisfy a fetch from its data cache and skip this call entirely.
	FetchData(ctx context.Context, cfg Config) (RawPayload, error)
	// PostprocessData transforms fetched data. Implementations must not perform
	// I/O here; the phase has to stay cheap to retry in isolation.
	PostprocessData(raw RawPayload) (ProcessedPayload, error)
	// DeliverResults writes processed data to the integration's sink. Delivering
	// the same runID twice must leave the sink in the same observable state as
	// delivering it once.
	DeliverResults(ctx context.Context, runID string, processed ProcessedPayload) (DeliveryOutcome, error)
}

// ConfigValidator is an optional capability. Integrations that implement it
// get a say in validation beyond the engine's schema and field checks.
type ConfigValidator interface {
	ValidateConfig(cfg Config) error
}

// Configurable is an optional capability. Implementations receive the
// effective configuration before any phase runs. FetchData can be skipped
// entirely on a data-cache hit, so parameters other phases depend on (sink
// paths, formats) must be captured here, never as a fetch side effect.
type Configurable interface {
	Configure(cfg Config) error
}

// Factory produces a fresh Integration instance per run.
type Factory func() Integration

// Enabled reports whether the configuration marks the integration as enabled.
// Absent or malformed flags count as disabled, matching manifest semantics.
func (c Config) Enabled() bool {
	v, ok := c["enabled"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// String returns the string value for key, or fallback when absent.
func (c Config) String(key, fallback string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// Int returns the integer value for key, tolerating YAML's int/float decoding.
func (c Config) Int(key string, fallback int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Clone returns a shallow copy so runs can safely mutate their view.
func (c Config) Clone() Config {
	if c == nil {
		return Config{}
	}
	dup := make(Config, len(c))
	for k, v := range c {
		dup[k] = v
	}
	return dup
}
