// Package source models the fixed set of upstream endpoints the
// service knows how to crawl and builds their request URLs.
package source

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/normalize"
)

// Kind identifies a source's endpoint family.
type Kind string

// Source kinds. Hot-list and category sources return ranked lists;
// detail sources return a single book object.
const (
	KindHotList  Kind = "hotlist"
	KindCategory Kind = "category"
	KindDetail   Kind = "detail"
)

// Config is the static per-source table entry loaded at startup.
type Config struct {
	ID          string            `mapstructure:"id"`
	Kind        Kind              `mapstructure:"kind"`
	URLTemplate string            `mapstructure:"url"`
	Params      map[string]string `mapstructure:"params"`
	Every       time.Duration     `mapstructure:"every"`
	Cron        string            `mapstructure:"cron"`
}

// Source knows how to build one endpoint's URL and what payload shape
// to expect back.
type Source interface {
	ID() string
	Kind() Kind
	BuildURL() string
	ExpectedShape() normalize.Shape
	// Ranked reports whether list order carries ranking positions
	// worth snapshotting.
	Ranked() bool
}

// Interval returns the source's periodic interval, or zero when it is
// cron- or trigger-only.
func (c Config) Interval() time.Duration { return c.Every }

type base struct {
	cfg Config
}

func (s base) ID() string       { return s.cfg.ID }
func (s base) Kind() Kind       { return s.cfg.Kind }
func (s base) BuildURL() string { return expandTemplate(s.cfg.URLTemplate, s.cfg.Params) }

// HotListSource crawls the sitewide ranked hot list.
type HotListSource struct{ base }

// ExpectedShape reports the hot list's flat ordered payload.
func (HotListSource) ExpectedShape() normalize.Shape { return normalize.ShapeFlatList }

// Ranked is true: hot-list position is a ranking.
func (HotListSource) Ranked() bool { return true }

// CategorySource crawls one category listing, which may arrive flat
// or as named blocks.
type CategorySource struct{ base }

// ExpectedShape reports the category payload's block layout.
func (CategorySource) ExpectedShape() normalize.Shape { return normalize.ShapeBlocks }

// Ranked is true: category order is a per-category ranking.
func (CategorySource) Ranked() bool { return true }

// DetailSource crawls a single book's statistics endpoint.
type DetailSource struct{ base }

// ExpectedShape reports the single-object payload.
func (DetailSource) ExpectedShape() normalize.Shape { return normalize.ShapeSingle }

// Ranked is false: a detail fetch carries no list position.
func (DetailSource) Ranked() bool { return false }

// New constructs the Source for a config entry.
func New(cfg Config) (Source, error) {
	if cfg.ID == "" {
		return nil, &books.ConfigurationError{Detail: "source id is required"}
	}
	if cfg.URLTemplate == "" {
		return nil, &books.ConfigurationError{Detail: fmt.Sprintf("source %q has no url template", cfg.ID)}
	}
	b := base{cfg: cfg}
	switch cfg.Kind {
	case KindHotList:
		return HotListSource{b}, nil
	case KindCategory:
		return CategorySource{b}, nil
	case KindDetail:
		return DetailSource{b}, nil
	default:
		return nil, &books.ConfigurationError{Detail: fmt.Sprintf("source %q has unknown kind %q", cfg.ID, cfg.Kind)}
	}
}

// Catalog is the read-only registry of configured sources.
type Catalog struct {
	sources map[string]Source
	configs map[string]Config
	order   []string
}

// NewCatalog validates every entry and builds the registry.
func NewCatalog(configs []Config) (*Catalog, error) {
	c := &Catalog{
		sources: make(map[string]Source, len(configs)),
		configs: make(map[string]Config, len(configs)),
	}
	for _, cfg := range configs {
		if _, exists := c.sources[cfg.ID]; exists {
			return nil, &books.ConfigurationError{Detail: fmt.Sprintf("duplicate source id %q", cfg.ID)}
		}
		src, err := New(cfg)
		if err != nil {
			return nil, err
		}
		c.sources[cfg.ID] = src
		c.configs[cfg.ID] = cfg
		c.order = append(c.order, cfg.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Get resolves a source id, failing fast with a ConfigurationError
// for unknown ids.
func (c *Catalog) Get(id string) (Source, error) {
	src, ok := c.sources[id]
	if !ok {
		return nil, &books.ConfigurationError{Detail: fmt.Sprintf("unknown source id %q", id)}
	}
	return src, nil
}

// Config returns the static table entry for a source id.
func (c *Catalog) Config(id string) (Config, error) {
	cfg, ok := c.configs[id]
	if !ok {
		return Config{}, &books.ConfigurationError{Detail: fmt.Sprintf("unknown source id %q", id)}
	}
	return cfg, nil
}

// IDs lists all source ids in stable order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Periodic lists the configs that carry an interval or cron trigger.
func (c *Catalog) Periodic() []Config {
	var out []Config
	for _, id := range c.order {
		cfg := c.configs[id]
		if cfg.Every > 0 || cfg.Cron != "" {
			out = append(out, cfg)
		}
	}
	return out
}

// expandTemplate substitutes {name} placeholders from params. Values
// are query-escaped; unresolved placeholders stay literal.
func expandTemplate(tmpl string, params map[string]string) string {
	out := tmpl
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", url.QueryEscape(v))
	}
	return out
}
