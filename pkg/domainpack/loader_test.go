package domainpack

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlabs/verdict/pkg/cache"
)

const testPacksRoot = "../../testdata/packs"

func newTestLoader(t *testing.T, root string) (*Loader, *cache.Memory) {
	t.Helper()
	logger := zap.NewNop()
	external := cache.NewMemory(logger)
	return NewLoader(logger, external, DefaultLoaderConfig(root)), external
}

func TestResolveKnownPack(t *testing.T) {
	loader, _ := newTestLoader(t, testPacksRoot)

	packID, usedFallback, err := loader.Resolve(context.Background(), "acme-air")
	require.NoError(t, err)
	assert.Equal(t, "acme-air", packID)
	assert.False(t, usedFallback)
}

func TestResolveUnknownFallsBack(t *testing.T) {
	loader, _ := newTestLoader(t, testPacksRoot)

	packID, usedFallback, err := loader.Resolve(context.Background(), "no-such-project")
	require.NoError(t, err)
	assert.Equal(t, "default", packID)
	assert.True(t, usedFallback)
}

func TestResolveStructurallyInvalidFallsBack(t *testing.T) {
	// A pack directory exists but is missing its required files.
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken"), 0o755))
	copyPack(t, filepath.Join(testPacksRoot, "default"), filepath.Join(root, "default"))

	loader, _ := newTestLoader(t, root)

	packID, usedFallback, err := loader.Resolve(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "default", packID)
	assert.True(t, usedFallback)
}

func TestResolveFatalWhenFallbackAlsoInvalid(t *testing.T) {
	loader, _ := newTestLoader(t, t.TempDir())

	_, _, err := loader.Resolve(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPackLoad)
}

func TestLoadSharesPackInstances(t *testing.T) {
	loader, _ := newTestLoader(t, testPacksRoot)
	ctx := context.Background()

	a, _, err := loader.Load(ctx, "acme-air")
	require.NoError(t, err)
	b, _, err := loader.Load(ctx, "acme-air")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestPackComponents(t *testing.T) {
	loader, _ := newTestLoader(t, testPacksRoot)
	ctx := context.Background()

	pack, _, err := loader.Load(ctx, "acme-air")
	require.NoError(t, err)

	cfg, err := pack.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme Air Notifications", cfg.Pack.Name)
	assert.Equal(t, "2.3.1", pack.Version(ctx))

	ontology, err := pack.Ontology(ctx)
	require.NoError(t, err)
	mode, ok := ontology.ByCode("late_decision")
	require.True(t, ok)
	assert.Equal(t, "timing", mode.Category)

	metrics, err := pack.Metrics(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, metrics.NorthStar)
	assert.Equal(t, "passenger_notified_in_sla", metrics.NorthStar[0].Key)

	rules := pack.Rules(ctx)
	assert.Len(t, rules.Rules, 3)

	assert.Contains(t, pack.Knowledge(ctx), "EU261")

	descriptors := pack.Validators(ctx)
	require.Len(t, descriptors, 3)
	assert.Equal(t, "latency-spike", descriptors[0].Name)
	assert.Equal(t, "latency_spike", descriptors[0].EntryPoint)

	mapping, ok := pack.Mapping(ctx, "template_selection")
	require.True(t, ok)
	assert.Contains(t, mapping, "Notification")

	evals := pack.EvalBlueprints(ctx)
	require.Contains(t, evals, "irrops_review")
	assert.Equal(t, "weekly", evals["irrops_review"].Doc["cadence"])
}

func TestOptionalComponentsDegrade(t *testing.T) {
	// The default from a minimal pack: no rules, no validators, no
	// knowledge, no mappings. Everything degrades to empty, not errors.
	root := t.TempDir()
	writeMinimalPack(t, filepath.Join(root, "default"))

	loader, _ := newTestLoader(t, root)
	ctx := context.Background()

	pack, _, err := loader.Load(ctx, "default")
	require.NoError(t, err)

	assert.Empty(t, pack.Rules(ctx).Rules)
	assert.Empty(t, pack.Knowledge(ctx))
	assert.Empty(t, pack.Validators(ctx))
	assert.Empty(t, pack.Mappings(ctx))
	assert.Empty(t, pack.EvalBlueprints(ctx))
}

func TestExternalCachePopulatedAndReloadClears(t *testing.T) {
	loader, external := newTestLoader(t, testPacksRoot)
	ctx := context.Background()

	pack, _, err := loader.Load(ctx, "acme-air")
	require.NoError(t, err)
	_, err = pack.Config(ctx)
	require.NoError(t, err)
	pack.Rules(ctx)

	require.Positive(t, external.Len(), "component loads must populate the external cache")

	require.NoError(t, loader.Reload(ctx, "acme-air"))
	assert.Zero(t, external.Len(), "reload must clear the pack's cache entries")

	// Components still load after the reload.
	_, err = pack.Config(ctx)
	require.NoError(t, err)
}

func TestCorruptCacheEntryIgnored(t *testing.T) {
	loader, external := newTestLoader(t, testPacksRoot)
	ctx := context.Background()

	pack, _, err := loader.Load(ctx, "acme-air")
	require.NoError(t, err)

	key := "pack:acme-air:pack_config:current"
	require.NoError(t, external.Set(ctx, key, []byte("{not json"), time.Minute))

	cfg, err := pack.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme Air Notifications", cfg.Pack.Name)
}

func copyPack(t *testing.T, src, dst string) {
	t.Helper()
	require.NoError(t, filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, raw, 0o644)
	}))
}

func writeMinimalPack(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	files := map[string]string{
		"pack.yaml":     "pack:\n  name: Minimal\n  version: 0.1.0\ndefaults:\n  sla:\n    default_ms: 600000\n",
		"ontology.yaml": "failure_modes:\n  - code: generic\n    label: Generic issue\n    category: other\n",
		"metrics.yaml":  "north_star:\n  - key: accuracy\n    label: Accuracy\n    method: clean / total\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}
