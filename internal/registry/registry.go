package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/support"
	"IntegraFlow/pkg/integration"
	"IntegraFlow/pkg/logger"
)

// Descriptor 是一个通过校验的集成在目录中的完整描述，发现之后不再变更。
type Descriptor struct {
	Name             string
	Version          string
	Description      string
	Tags             []string
	BusinessContact  string
	TechnicalContact string
	// ConfigSchemaRef 是配置模式文件的绝对路径，未声明时为空。
	ConfigSchemaRef string
	// Entry 是解析后的生命周期实现工厂。
	Entry integration.Factory
	// Config 是 config.yaml 的解析结果。
	Config integration.Config
	// Dir 是插件目录，作为名字缺省来源与去重依据。
	Dir string
}

// HasTag 判断描述符是否携带指定标签。
func (d Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Catalog 是按名字排序的描述符序列。
type Catalog []Descriptor

// Filter 描述目录过滤条件，零值表示不过滤。
type Filter struct {
	Name string
	Tag  string
}

// Apply 返回满足条件的子集。未知的名字或标签产生空结果而非错误。
func (c Catalog) Apply(f Filter) Catalog {
	var out Catalog
	for _, d := range c {
		if f.Name != "" && d.Name != f.Name {
			continue
		}
		if f.Tag != "" && !d.HasTag(f.Tag) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Lookup 按名字返回描述符。
func (c Catalog) Lookup(name string) (Descriptor, bool) {
	for _, d := range c {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Names 返回目录内所有集成名。
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for _, d := range c {
		names = append(names, d.Name)
	}
	return names
}

// Registry 扫描插件根目录并维护可运行集成的目录。
type Registry struct {
	root    string
	loader  integration.Loader
	support *support.Log
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Registry)

// WithLoader 覆盖默认的入口解析器。
func WithLoader(loader integration.Loader) Option {
	return func(r *Registry) {
		if loader != nil {
			r.loader = loader
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = log
	}
}

// New 创建 Registry。
func New(root string, supportLog *support.Log, opts ...Option) *Registry {
	r := &Registry{
		root:    root,
		loader:  integration.DefaultLoader{},
		support: supportLog,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("registry")
	}
	return r
}

// Discover 扫描根目录下一层的插件目录并返回目录。
// 单个插件非法只会登记 ValidationError 问题并被排除，发现过程从不因此中断；
// 对同一目录树重复发现得到内容一致的目录。
func (r *Registry) Discover(ctx context.Context) (Catalog, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "读取集成根目录失败")
	}

	seen := map[string]string{}
	var catalog Catalog
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		if !integration.HasManifestPair(dir) {
			continue
		}
		descriptor, err := r.load(dir)
		if err != nil {
			r.reject(ctx, entry.Name(), err)
			continue
		}
		if prev, dup := seen[descriptor.Name]; dup {
			r.reject(ctx, entry.Name(),
				xerrors.New(xerrors.CodeValidationError,
					"集成名与 "+prev+" 重复: "+descriptor.Name))
			continue
		}
		seen[descriptor.Name] = entry.Name()
		catalog = append(catalog, descriptor)
	}

	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Name < catalog[j].Name })
	r.logger.Debug("发现完成",
		slog.Int("catalog_size", len(catalog)),
		slog.String("root", r.root),
	)
	return catalog, nil
}

func (r *Registry) load(dir string) (Descriptor, error) {
	manifest, err := integration.LoadManifest(dir)
	if err != nil {
		return Descriptor{}, xerrors.Wrap(xerrors.CodeValidationError, err, "解析清单失败")
	}
	if err := manifest.Validate(); err != nil {
		return Descriptor{}, xerrors.Wrap(xerrors.CodeValidationError, err, "清单校验失败")
	}
	entrypoint := manifest.Metadata.Entrypoint
	if strings.HasSuffix(entrypoint, ".so") && !filepath.IsAbs(entrypoint) {
		entrypoint = filepath.Join(dir, entrypoint)
	}
	factory, err := r.loader.Load(entrypoint)
	if err != nil {
		return Descriptor{}, xerrors.Wrap(xerrors.CodeValidationError, err, "解析入口失败")
	}
	return Descriptor{
		Name:             manifest.Metadata.Name,
		Version:          manifest.Metadata.Version,
		Description:      manifest.Metadata.Description,
		Tags:             append([]string(nil), manifest.Metadata.Tags...),
		BusinessContact:  manifest.Metadata.BusinessContact,
		TechnicalContact: manifest.Metadata.TechnicalContact,
		ConfigSchemaRef:  manifest.SchemaPath(),
		Entry:            factory,
		Config:           manifest.Config.Clone(),
		Dir:              dir,
	}, nil
}

func (r *Registry) reject(ctx context.Context, name string, err error) {
	r.logger.Warn("集成被排除", slog.String("integration", name), slog.Any("error", err))
	r.support.Raise(ctx, support.Issue{
		IntegrationName: name,
		Kind:            xerrors.CodeValidationError,
		Message:         err.Error(),
	})
}
