// Package domainpack resolves, loads and caches project-scoped
// configuration bundles ("domain packs") that parameterize scoring.
package domainpack

import (
	"fmt"
)

// PackConfig is the pack metadata plus scoring defaults (pack.yaml)
type PackConfig struct {
	Pack     PackMeta `yaml:"pack" json:"pack"`
	Defaults Defaults `yaml:"defaults" json:"defaults"`
}

// PackMeta identifies a pack
type PackMeta struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Team    string `yaml:"team,omitempty" json:"team,omitempty"`
	Extends string `yaml:"extends,omitempty" json:"extends,omitempty"`
}

// Defaults holds per-event SLA tables and clustering review thresholds
type Defaults struct {
	SLA    SLADefaults  `yaml:"sla" json:"sla"`
	Review ReviewConfig `yaml:"review" json:"review"`
}

// SLADefaults is the SLA lookup table: a global default plus
// per-event-type entries with override tables.
type SLADefaults struct {
	DefaultMS int64               `yaml:"default_ms" json:"default_ms"`
	Events    map[string]SLAEntry `yaml:"events,omitempty" json:"events,omitempty"`
}

// SLAEntry is one event type's SLA with override tables, checked in
// priority order: channel, market, airport, delay window.
type SLAEntry struct {
	BaseMS      int64            `yaml:"base_ms" json:"base_ms"`
	Channel     map[string]int64 `yaml:"channel,omitempty" json:"channel,omitempty"`
	Market      map[string]int64 `yaml:"market,omitempty" json:"market,omitempty"`
	Airport     map[string]int64 `yaml:"airport,omitempty" json:"airport,omitempty"`
	DelayWindow map[string]int64 `yaml:"delay_window,omitempty" json:"delay_window,omitempty"`
}

// ReviewConfig overrides the clustering window and threshold per pack
type ReviewConfig struct {
	WindowMinutes  int `yaml:"window_minutes,omitempty" json:"window_minutes,omitempty"`
	MinClusterSize int `yaml:"min_cluster_size,omitempty" json:"min_cluster_size,omitempty"`
}

func (c *PackConfig) validate() error {
	if c.Pack.Name == "" {
		return fmt.Errorf("pack name is required")
	}
	if c.Pack.Version == "" {
		return fmt.Errorf("pack version is required")
	}
	return nil
}

// =============================================================================
// ONTOLOGY
// =============================================================================

// FailureMode is one entry in a pack's failure-mode ontology
type FailureMode struct {
	Code     string `yaml:"code" json:"code"`
	Label    string `yaml:"label" json:"label"`
	Category string `yaml:"category" json:"category"`
	Color    string `yaml:"color,omitempty" json:"color,omitempty"`
}

// Ontology is the pack's failure-mode catalog. Codes must be unique.
type Ontology struct {
	FailureModes []FailureMode `yaml:"failure_modes" json:"failure_modes"`
}

func (o *Ontology) validate() error {
	seen := make(map[string]bool, len(o.FailureModes))
	for _, fm := range o.FailureModes {
		if fm.Code == "" {
			return fmt.Errorf("failure mode with empty code")
		}
		if seen[fm.Code] {
			return fmt.Errorf("duplicate failure mode code %q", fm.Code)
		}
		seen[fm.Code] = true
	}
	return nil
}

// ByCode returns the failure mode for a code, if defined
func (o *Ontology) ByCode(code string) (FailureMode, bool) {
	for _, fm := range o.FailureModes {
		if fm.Code == code {
			return fm, true
		}
	}
	return FailureMode{}, false
}

// =============================================================================
// METRICS
// =============================================================================

// Metric is one tracked metric definition
type Metric struct {
	Key    string   `yaml:"key" json:"key"`
	Label  string   `yaml:"label" json:"label"`
	Method string   `yaml:"method" json:"method"`
	Target *float64 `yaml:"target,omitempty" json:"target,omitempty"`
}

// Metrics holds the pack's north-star and supporting metric lists.
// Keys must be unique across both lists.
type Metrics struct {
	NorthStar  []Metric `yaml:"north_star" json:"north_star"`
	Supporting []Metric `yaml:"supporting,omitempty" json:"supporting,omitempty"`
}

func (m *Metrics) validate() error {
	seen := make(map[string]bool, len(m.NorthStar)+len(m.Supporting))
	for _, list := range [][]Metric{m.NorthStar, m.Supporting} {
		for _, metric := range list {
			if metric.Key == "" {
				return fmt.Errorf("metric with empty key")
			}
			if seen[metric.Key] {
				return fmt.Errorf("duplicate metric key %q", metric.Key)
			}
			seen[metric.Key] = true
		}
	}
	return nil
}

// =============================================================================
// VALIDATOR DESCRIPTORS (validators/manifest.yaml)
// =============================================================================

// ValidatorDescriptor declares one custom validator. The entry point is
// resolved against a compiled-in registry by the host process; packs never
// ship executable code.
type ValidatorDescriptor struct {
	Name           string `yaml:"name" json:"name"`
	EntryPoint     string `yaml:"entry_point" json:"entry_point"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Description    string `yaml:"description,omitempty" json:"description,omitempty"`
	Version        string `yaml:"version,omitempty" json:"version,omitempty"`
}

// ValidatorManifest is the pack's validator declaration file
type ValidatorManifest struct {
	Validators []ValidatorDescriptor `yaml:"validators" json:"validators"`
}

func (m *ValidatorManifest) validate() error {
	seen := make(map[string]bool, len(m.Validators))
	for _, v := range m.Validators {
		if v.Name == "" || v.EntryPoint == "" {
			return fmt.Errorf("validator descriptor requires name and entry_point")
		}
		if seen[v.Name] {
			return fmt.Errorf("duplicate validator name %q", v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

// =============================================================================
// EVAL BLUEPRINTS
// =============================================================================

// EvalBlueprint is one auxiliary evaluation document (evals/<stem>.yaml).
// The structure is pack-defined; the loader only guarantees parse and cache.
type EvalBlueprint struct {
	Name string         `json:"name"`
	Doc  map[string]any `json:"doc"`
}
