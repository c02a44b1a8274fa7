package domainpack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fathomlabs/verdict/pkg/cache"
)

// DefaultFallbackPackID is the designated default pack used when a
// project-specific pack is missing or structurally invalid.
const DefaultFallbackPackID = "default"

// ErrPackLoad is returned when neither the project pack nor the fallback
// pack passes structural validation. It is fatal to one resolution.
var ErrPackLoad = errors.New("domain pack load failed")

// Component names used in cache keys and logs
const (
	componentConfig     = "pack_config"
	componentOntology   = "ontology"
	componentMetrics    = "metrics"
	componentRules      = "rules"
	componentKnowledge  = "knowledge"
	componentValidators = "validators"
	componentMappings   = "mappings"
	componentEvals      = "evals"
)

// LoaderConfig configures the pack loader
type LoaderConfig struct {
	Root           string        // directory holding one subdirectory per pack id
	FallbackPackID string        // pack id used when resolution falls back
	CacheTTL       time.Duration // TTL for external cache entries
}

// DefaultLoaderConfig returns sensible defaults
func DefaultLoaderConfig(root string) LoaderConfig {
	return LoaderConfig{
		Root:           root,
		FallbackPackID: DefaultFallbackPackID,
		CacheTTL:       15 * time.Minute,
	}
}

// Loader resolves project ids to packs and hands out shared Pack
// instances. Resolution results are memoized for the loader's lifetime.
type Loader struct {
	logger *zap.Logger
	cache  cache.Cache
	config LoaderConfig

	mu          sync.Mutex
	resolutions map[string]resolution
	packs       map[string]*Pack
}

type resolution struct {
	packID       string
	usedFallback bool
}

// NewLoader creates a pack loader rooted at config.Root
func NewLoader(logger *zap.Logger, external cache.Cache, config LoaderConfig) *Loader {
	if config.FallbackPackID == "" {
		config.FallbackPackID = DefaultFallbackPackID
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 15 * time.Minute
	}
	return &Loader{
		logger:      logger,
		cache:       external,
		config:      config,
		resolutions: make(map[string]resolution),
		packs:       make(map[string]*Pack),
	}
}

// Resolve maps a project id to the pack id actually used, reporting
// whether the fallback pack was substituted. The result is memoized.
func (l *Loader) Resolve(ctx context.Context, projectID string) (string, bool, error) {
	l.mu.Lock()
	if r, ok := l.resolutions[projectID]; ok {
		l.mu.Unlock()
		return r.packID, r.usedFallback, nil
	}
	l.mu.Unlock()

	packID := projectID
	usedFallback := false

	if err := l.validateStructure(projectID); err != nil {
		l.logger.Warn("Pack failed structural validation, falling back",
			zap.String("project_id", projectID),
			zap.String("fallback", l.config.FallbackPackID),
			zap.Error(err))

		packID = l.config.FallbackPackID
		usedFallback = true

		if fbErr := l.validateStructure(packID); fbErr != nil {
			return "", false, fmt.Errorf("%w: pack %q invalid (%v) and fallback %q invalid (%v)",
				ErrPackLoad, projectID, err, packID, fbErr)
		}
	}

	l.mu.Lock()
	l.resolutions[projectID] = resolution{packID: packID, usedFallback: usedFallback}
	l.mu.Unlock()

	l.logger.Debug("Pack resolved",
		zap.String("project_id", projectID),
		zap.String("pack_id", packID),
		zap.Bool("used_fallback", usedFallback))

	return packID, usedFallback, nil
}

// Load resolves a project id and returns the shared Pack instance
func (l *Loader) Load(ctx context.Context, projectID string) (*Pack, bool, error) {
	packID, usedFallback, err := l.Resolve(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	return l.Pack(packID), usedFallback, nil
}

// Pack returns the shared instance for a pack id, creating it on first use
func (l *Loader) Pack(packID string) *Pack {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.packs[packID]; ok {
		return p
	}
	p := &Pack{
		id:       packID,
		dir:      filepath.Join(l.config.Root, packID),
		logger:   l.logger.With(zap.String("pack", packID)),
		external: l.cache,
		cacheTTL: l.config.CacheTTL,
	}
	l.packs[packID] = p
	return p
}

// Reload invalidates all in-process lazy state and all external cache
// entries for a project's pack and for the fallback pack.
func (l *Loader) Reload(ctx context.Context, projectID string) error {
	packID, _, err := l.Resolve(ctx, projectID)
	if err != nil {
		return err
	}

	for _, id := range uniqueStrings(packID, l.config.FallbackPackID) {
		l.Pack(id).invalidate()
		if err := l.cache.DeletePattern(ctx, "pack:"+id+":*"); err != nil {
			return fmt.Errorf("failed to clear cache for pack %s: %w", id, err)
		}
	}

	l.logger.Info("Pack reloaded",
		zap.String("project_id", projectID),
		zap.String("pack_id", packID))
	return nil
}

// validateStructure checks that the required files (pack metadata,
// ontology, metrics) are present, parseable and schema-valid.
func (l *Loader) validateStructure(packID string) error {
	dir := filepath.Join(l.config.Root, packID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("pack directory missing: %s", dir)
	}

	var config PackConfig
	if err := loadYAMLFile(filepath.Join(dir, "pack.yaml"), &config); err != nil {
		return fmt.Errorf("pack metadata: %w", err)
	}
	if err := config.validate(); err != nil {
		return fmt.Errorf("pack metadata: %w", err)
	}

	var ontology Ontology
	if err := loadYAMLFile(filepath.Join(dir, "ontology.yaml"), &ontology); err != nil {
		return fmt.Errorf("ontology: %w", err)
	}
	if err := ontology.validate(); err != nil {
		return fmt.Errorf("ontology: %w", err)
	}

	var metrics Metrics
	if err := loadYAMLFile(filepath.Join(dir, "metrics.yaml"), &metrics); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := metrics.validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}

func uniqueStrings(values ...string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// PACK
// =============================================================================

// Pack exposes one domain pack's components. Every component is lazily
// loaded on first access and cached both in-process and in the external
// TTL cache.
type Pack struct {
	id       string
	dir      string
	logger   *zap.Logger
	external cache.Cache
	cacheTTL time.Duration

	mu         sync.Mutex
	config     *PackConfig
	ontology   *Ontology
	metrics    *Metrics
	rules      *RuleSet
	knowledge  *string
	validators []ValidatorDescriptor
	haveVals   bool
	mappings   map[string]map[string]any
	evals      map[string]*EvalBlueprint
}

// ID returns the pack id actually resolved (fallback id when substituted)
func (p *Pack) ID() string { return p.id }

// Version returns the pack's semantic version, or "" before the config
// has been loaded successfully.
func (p *Pack) Version(ctx context.Context) string {
	config, err := p.Config(ctx)
	if err != nil {
		return ""
	}
	return config.Pack.Version
}

// Config loads the pack metadata and defaults (required component)
func (p *Pack) Config(ctx context.Context) (*PackConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config != nil {
		return p.config, nil
	}

	var config PackConfig
	key := fmt.Sprintf("pack:%s:%s:current", p.id, componentConfig)
	if p.fromExternal(ctx, key, &config) {
		p.config = &config
		return p.config, nil
	}

	if err := loadYAMLFile(filepath.Join(p.dir, "pack.yaml"), &config); err != nil {
		return nil, fmt.Errorf("%w: %s config: %v", ErrPackLoad, p.id, err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s config: %v", ErrPackLoad, p.id, err)
	}

	p.config = &config
	p.toExternal(ctx, key, &config)
	return p.config, nil
}

// Ontology loads the failure-mode catalog (required component)
func (p *Pack) Ontology(ctx context.Context) (*Ontology, error) {
	version := p.Version(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ontology != nil {
		return p.ontology, nil
	}

	var ontology Ontology
	key := p.cacheKey(componentOntology, version)
	if p.fromExternal(ctx, key, &ontology) {
		p.ontology = &ontology
		return p.ontology, nil
	}

	if err := loadYAMLFile(filepath.Join(p.dir, "ontology.yaml"), &ontology); err != nil {
		return nil, fmt.Errorf("%w: %s ontology: %v", ErrPackLoad, p.id, err)
	}
	if err := ontology.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s ontology: %v", ErrPackLoad, p.id, err)
	}

	p.ontology = &ontology
	p.toExternal(ctx, key, &ontology)
	return p.ontology, nil
}

// Metrics loads the metric definitions (required component)
func (p *Pack) Metrics(ctx context.Context) (*Metrics, error) {
	version := p.Version(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.metrics != nil {
		return p.metrics, nil
	}

	var metrics Metrics
	key := p.cacheKey(componentMetrics, version)
	if p.fromExternal(ctx, key, &metrics) {
		p.metrics = &metrics
		return p.metrics, nil
	}

	if err := loadYAMLFile(filepath.Join(p.dir, "metrics.yaml"), &metrics); err != nil {
		return nil, fmt.Errorf("%w: %s metrics: %v", ErrPackLoad, p.id, err)
	}
	if err := metrics.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s metrics: %v", ErrPackLoad, p.id, err)
	}

	p.metrics = &metrics
	p.toExternal(ctx, key, &metrics)
	return p.metrics, nil
}

// Rules loads the business rules. Missing or malformed rules degrade to
// an empty set with a logged warning; scoring continues.
func (p *Pack) Rules(ctx context.Context) *RuleSet {
	version := p.Version(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rules != nil {
		return p.rules
	}

	var rules RuleSet
	key := p.cacheKey(componentRules, version)
	if p.fromExternal(ctx, key, &rules) {
		p.rules = &rules
		return p.rules
	}

	path := filepath.Join(p.dir, "policy", "rules.yaml")
	if err := loadYAMLFile(path, &rules); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Malformed rules file, using empty rule set", zap.Error(err))
		}
		p.rules = &RuleSet{}
		return p.rules
	}
	if err := rules.validate(); err != nil {
		p.logger.Warn("Invalid rules file, using empty rule set", zap.Error(err))
		p.rules = &RuleSet{}
		return p.rules
	}

	p.rules = &rules
	p.toExternal(ctx, key, &rules)
	return p.rules
}

// Knowledge loads the free-text domain documentation. Missing files
// degrade to an empty string.
func (p *Pack) Knowledge(ctx context.Context) string {
	version := p.Version(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.knowledge != nil {
		return *p.knowledge
	}

	key := p.cacheKey(componentKnowledge, version)
	if raw, ok, err := p.external.Get(ctx, key); err == nil && ok {
		text := string(raw)
		p.knowledge = &text
		return text
	}

	raw, err := os.ReadFile(filepath.Join(p.dir, "policy", "knowledge.md"))
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("Failed to read knowledge file", zap.Error(err))
		}
		empty := ""
		p.knowledge = &empty
		return empty
	}

	text := string(raw)
	p.knowledge = &text
	if err := p.external.Set(ctx, key, raw, p.cacheTTL); err != nil {
		p.logger.Warn("Failed to cache knowledge", zap.Error(err))
	}
	return text
}

// KnowledgeText satisfies the sandbox pack handle
func (p *Pack) KnowledgeText(ctx context.Context) string {
	return p.Knowledge(ctx)
}

// Validators loads the pack's validator descriptors. Missing or
// malformed manifests degrade to none.
func (p *Pack) Validators(ctx context.Context) []ValidatorDescriptor {
	version := p.Version(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.haveVals {
		return p.validators
	}

	var manifest ValidatorManifest
	key := p.cacheKey(componentValidators, version)
	if p.fromExternal(ctx, key, &manifest) {
		p.validators = manifest.Validators
		p.haveVals = true
		return p.validators
	}

	path := filepath.Join(p.dir, "validators", "manifest.yaml")
	if err := loadYAMLFile(path, &manifest); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Malformed validator manifest, ignoring", zap.Error(err))
		}
		p.haveVals = true
		return nil
	}
	if err := manifest.validate(); err != nil {
		p.logger.Warn("Invalid validator manifest, ignoring", zap.Error(err))
		p.haveVals = true
		return nil
	}

	p.validators = manifest.Validators
	p.haveVals = true
	p.toExternal(ctx, key, &manifest)
	return p.validators
}

// Mappings loads every auxiliary lookup document under mappings/,
// keyed by filename stem. Missing directories degrade to empty.
func (p *Pack) Mappings(ctx context.Context) map[string]map[string]any {
	version := p.Version(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mappings != nil {
		return p.mappings
	}

	var cached map[string]map[string]any
	key := p.cacheKey(componentMappings, version)
	if p.fromExternal(ctx, key, &cached) {
		p.mappings = cached
		return p.mappings
	}

	p.mappings = p.loadDocumentDir(filepath.Join(p.dir, "mappings"))
	p.toExternal(ctx, key, p.mappings)
	return p.mappings
}

// Mapping returns one lookup table by name; satisfies the sandbox pack handle
func (p *Pack) Mapping(ctx context.Context, name string) (map[string]any, bool) {
	doc, ok := p.Mappings(ctx)[name]
	return doc, ok
}

// EvalBlueprints loads every evaluation blueprint under evals/,
// keyed by filename stem. Missing directories degrade to empty.
func (p *Pack) EvalBlueprints(ctx context.Context) map[string]*EvalBlueprint {
	version := p.Version(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.evals != nil {
		return p.evals
	}

	var cached map[string]*EvalBlueprint
	key := p.cacheKey(componentEvals, version)
	if p.fromExternal(ctx, key, &cached) {
		p.evals = cached
		return p.evals
	}

	p.evals = make(map[string]*EvalBlueprint)
	for name, doc := range p.loadDocumentDir(filepath.Join(p.dir, "evals")) {
		p.evals[name] = &EvalBlueprint{Name: name, Doc: doc}
	}
	p.toExternal(ctx, key, p.evals)
	return p.evals
}

// ReviewConfig returns the pack's clustering review overrides, or the
// zero value if the config cannot load.
func (p *Pack) ReviewConfig(ctx context.Context) ReviewConfig {
	config, err := p.Config(ctx)
	if err != nil {
		return ReviewConfig{}
	}
	return config.Defaults.Review
}

// invalidate drops all in-process lazy state
func (p *Pack) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.config = nil
	p.ontology = nil
	p.metrics = nil
	p.rules = nil
	p.knowledge = nil
	p.validators = nil
	p.haveVals = false
	p.mappings = nil
	p.evals = nil
}

// loadDocumentDir reads one logical document per file from a directory;
// filename stem is the lookup key. YAML and JSON are supported. Malformed
// files are skipped with a warning.
func (p *Pack) loadDocumentDir(dir string) map[string]map[string]any {
	out := make(map[string]map[string]any)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("Failed to read document directory",
				zap.String("dir", dir),
				zap.Error(err))
		}
		return out
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			p.logger.Warn("Failed to read document", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		var doc map[string]any
		if ext == ".json" {
			err = json.Unmarshal(raw, &doc)
		} else {
			err = yaml.Unmarshal(raw, &doc)
		}
		if err != nil {
			p.logger.Warn("Malformed document, skipping",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}

		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		out[stem] = doc
	}

	return out
}

func (p *Pack) cacheKey(component, version string) string {
	if version == "" {
		version = "current"
	}
	return fmt.Sprintf("pack:%s:%s:%s", p.id, component, version)
}

// fromExternal fetches and unmarshals a cached component. Cache failures
// are treated as misses.
func (p *Pack) fromExternal(ctx context.Context, key string, dest any) bool {
	raw, ok, err := p.external.Get(ctx, key)
	if err != nil {
		p.logger.Warn("External cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		p.logger.Warn("Corrupt cache entry, ignoring", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// toExternal best-effort populates the external cache
func (p *Pack) toExternal(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		p.logger.Warn("Failed to marshal component for cache", zap.String("key", key), zap.Error(err))
		return
	}
	if err := p.external.Set(ctx, key, raw, p.cacheTTL); err != nil {
		p.logger.Warn("External cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// loadYAMLFile reads and unmarshals one YAML file
func loadYAMLFile(path string, dest any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
