package batch

import (
	"context"
	"sort"
	"strings"
	"time"

	xerrors "IntegraFlow/internal/errors"
	"IntegraFlow/internal/registry"
)

// ListOrder 是目录清单的排序方式。
type ListOrder string

const (
	// OrderByName 按集成名排序（缺省）。
	OrderByName ListOrder = "name"
	// OrderByLastUpdated 按最近一次运行结束时间倒序，从未运行的排在最后。
	OrderByLastUpdated ListOrder = "last_updated"
)

// ParseListOrder 解析排序方式名，空串回落到按名字排序。
func ParseListOrder(raw string) (ListOrder, error) {
	switch ListOrder(raw) {
	case OrderByName, OrderByLastUpdated:
		return ListOrder(raw), nil
	case "":
		return OrderByName, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的排序方式: "+raw)
	}
}

// ListOptions 过滤并排序目录清单。
type ListOptions struct {
	Tag     string
	Contact string
	Order   ListOrder
}

// Listing 是目录中一个集成对外展示的条目。
type Listing struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	Description      string    `json:"description,omitempty"`
	Tags             []string  `json:"tags"`
	BusinessContact  string    `json:"business_contact,omitempty"`
	TechnicalContact string    `json:"technical_contact,omitempty"`
	Enabled          bool      `json:"enabled"`
	Valid            bool      `json:"valid"`
	LastUpdated      time.Time `json:"last_updated,omitempty"`
	HasRun           bool      `json:"has_run"`
}

// List 返回目录清单：每个集成的元数据、启用与校验状态，
// 以及遥测中最近一次运行的结束时间。
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]Listing, error) {
	catalog, err := e.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var listings []Listing
	for _, d := range catalog {
		if opts.Tag != "" && !d.HasTag(opts.Tag) {
			continue
		}
		if opts.Contact != "" && !matchContact(d, opts.Contact) {
			continue
		}

		entry := Listing{
			Name:             d.Name,
			Version:          d.Version,
			Description:      d.Description,
			Tags:             d.Tags,
			BusinessContact:  d.BusinessContact,
			TechnicalContact: d.TechnicalContact,
			Enabled:          d.Config.Enabled(),
			Valid:            e.runner.Validate(ctx, d) == nil,
		}
		if e.telemetry != nil {
			if last, ok, lerr := e.telemetry.LastRun(ctx, d.Name); lerr == nil && ok {
				entry.LastUpdated = last
				entry.HasRun = true
			}
		}
		listings = append(listings, entry)
	}

	if opts.Order == OrderByLastUpdated {
		sort.SliceStable(listings, func(i, j int) bool {
			if listings[i].HasRun != listings[j].HasRun {
				return listings[i].HasRun
			}
			return listings[i].LastUpdated.After(listings[j].LastUpdated)
		})
	}
	return listings, nil
}

func matchContact(d registry.Descriptor, contact string) bool {
	needle := strings.ToLower(contact)
	return strings.Contains(strings.ToLower(d.BusinessContact), needle) ||
		strings.Contains(strings.ToLower(d.TechnicalContact), needle)
}
