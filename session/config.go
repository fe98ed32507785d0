package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/formweaver/anchor"
	"github.com/hazyhaar/formweaver/dom"
	"github.com/hazyhaar/formweaver/fill"
	"github.com/hazyhaar/formweaver/match"
	"github.com/hazyhaar/formweaver/paginate"
	"github.com/hazyhaar/formweaver/scan"
)

// Config describes one fill session. The presence of KeyField selects
// the anchor strategy; without it rows map to page rows by position.
type Config struct {
	// SourceID names the data source for the progress store, typically
	// the spreadsheet filename.
	SourceID string `yaml:"source_id"`

	// KeyField is the data field holding the anchor value. Empty means
	// sequential (positional) filling.
	KeyField string `yaml:"key_field"`

	// SingleRecord pauses after every anchor task for operator review.
	// Anchor strategy only; also enables the fill engine's self-healing.
	SingleRecord bool `yaml:"single_record"`

	// ManualPageTurn pauses after each batch instead of clicking the
	// next control. Sequential strategy only.
	ManualPageTurn bool `yaml:"manual_page_turn"`

	// BatchSize fixes the per-page batch. 0 probes the visible row
	// count instead.
	BatchSize int `yaml:"batch_size"`

	// NextSelector locates the page-turn control. Empty disables
	// pagination (single-page session).
	NextSelector string `yaml:"next_selector"`
	// NextSelectorXPath marks NextSelector as an XPath expression.
	NextSelectorXPath bool `yaml:"next_selector_xpath"`

	// MatchThreshold overrides the matcher's minimum score.
	MatchThreshold int `yaml:"match_threshold"`

	// BusinessKeywords mark frame URLs worth the full scan budget.
	BusinessKeywords []string `yaml:"business_keywords"`

	// ScanInterval is the delay between scan stability polls.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// ScanMaxWait bounds the page scan stability loop.
	ScanMaxWait time.Duration `yaml:"scan_max_wait"`

	// DBPath is the progress database location. Empty runs without
	// persistence.
	DBPath string `yaml:"db_path"`
}

// LoadFile reads a YAML session config.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("session: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("session: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ScanConfig derives the page scanner configuration.
func (c Config) ScanConfig() scan.Config {
	return scan.Config{
		Interval:         c.ScanInterval,
		MaxWait:          c.ScanMaxWait,
		BusinessKeywords: c.BusinessKeywords,
	}
}

func (c Config) matchConfig() match.Config {
	return match.Config{Threshold: c.MatchThreshold}
}

func (c Config) fillConfig() fill.Config {
	return fill.Config{Heal: c.SingleRecord}
}

func (c Config) anchorConfig() anchor.Config {
	return anchor.Config{}
}

func (c Config) paginateConfig() paginate.Config {
	return paginate.Config{}
}

func (c Config) nextSelector() (dom.Selector, bool) {
	if c.NextSelector == "" {
		return dom.Selector{}, false
	}
	kind := dom.KindClass
	if c.NextSelectorXPath {
		kind = dom.KindPath
	}
	return dom.Selector{Kind: kind, Value: c.NextSelector}, true
}
