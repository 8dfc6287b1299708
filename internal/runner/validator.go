package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"IntegraFlow/internal/cache"
	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/registry"
	"IntegraFlow/pkg/integration"
)

// 校验缓存存储的布尔结论。
var (
	verdictPass = []byte("1")
	verdictFail = []byte("0")
)

// Validate 校验集成的有效配置。
// 先按配置内容哈希查校验缓存，命中则直接复用结论；未命中时执行
// 模式或字段校验并缓存布尔结果。校验缓存不设有效期，只随配置内容变化失效。
func (r *Runner) Validate(ctx context.Context, d registry.Descriptor) error {
	hash, err := configHash(d.Config)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidationError, err, "配置无法序列化")
	}

	key := cache.ValidationKey(hash)
	if r.cache != nil {
		if value, ok, cerr := r.cache.Get(ctx, key); cerr != nil {
			r.logger.Warn("读取校验缓存失败", slog.Any("error", cerr))
		} else if ok {
			if string(value) == string(verdictPass) {
				return nil
			}
			return xerrors.New(xerrors.CodeValidationError,
				"配置未通过校验（缓存结论）: "+d.Name)
		}
	}

	verr := r.validate(d)

	if r.cache != nil {
		verdict := verdictPass
		if verr != nil {
			verdict = verdictFail
		}
		if cerr := r.cache.Put(ctx, key, verdict, 0); cerr != nil {
			r.logger.Warn("写入校验缓存失败", slog.Any("error", cerr))
		}
	}
	return verr
}

// validate 执行真正的校验：清单声明了模式时走 JSON Schema，
// 否则应用内置字段规则；实现了 ConfigValidator 的集成再做一轮自校验。
func (r *Runner) validate(d registry.Descriptor) error {
	if d.ConfigSchemaRef != "" {
		if err := validateSchema(d.ConfigSchemaRef, d.Config); err != nil {
			return err
		}
	} else if err := validateFields(d.Config); err != nil {
		return err
	}

	if d.Entry != nil {
		if v, ok := d.Entry().(integration.ConfigValidator); ok {
			if err := v.ValidateConfig(d.Config); err != nil {
				return xerrors.Wrap(xerrors.CodeValidationError, err, "集成自校验失败")
			}
		}
	}
	return nil
}

// validateSchema 用 JSON Schema 校验配置。
func validateSchema(schemaPath string, cfg integration.Config) error {
	schema := gojsonschema.NewReferenceLoader("file://" + schemaPath)
	document := gojsonschema.NewGoLoader(map[string]any(cfg))
	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidationError, err, "加载配置模式失败")
	}
	if result.Valid() {
		return nil
	}
	var reasons []string
	for _, desc := range result.Errors() {
		reasons = append(reasons, desc.String())
	}
	return xerrors.New(xerrors.CodeValidationError,
		"配置不符合模式: "+strings.Join(reasons, "; "))
}

// validateFields 是未声明模式时的内置字段规则。
func validateFields(cfg integration.Config) error {
	if endpoint, ok := cfg["endpoint"]; ok {
		s, isString := endpoint.(string)
		if !isString || !validEndpoint(s) {
			return xerrors.New(xerrors.CodeValidationError,
				"endpoint 不是合法的 http(s) 地址")
		}
	}
	if minutes := cfg.Int(dataTTLKey, 0); minutes < 0 {
		return xerrors.New(xerrors.CodeValidationError,
			dataTTLKey+" 不能为负数")
	}
	return nil
}

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// configHash 对有效配置做确定性哈希。JSON 序列化按键名排序，
// 相同内容的配置得到相同哈希。
func configHash(cfg integration.Config) (string, error) {
	content, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return cache.HashBytes(content), nil
}
