package knowledge

import (
	"context"
	"sync"

	"github.com/fathomlabs/verdict/pkg/domainpack"
)

// PackProvider serves snippets from each project's domain pack knowledge
// document, indexing lazily on first search per pack.
type PackProvider struct {
	loader *domainpack.Loader
	static *StaticProvider

	mu      sync.Mutex
	indexed map[string]bool
}

// NewPackProvider wraps a pack loader as a knowledge provider
func NewPackProvider(loader *domainpack.Loader) *PackProvider {
	return &PackProvider{
		loader:  loader,
		static:  NewStaticProvider(),
		indexed: make(map[string]bool),
	}
}

// Search implements Provider. A project whose pack has no knowledge
// document returns no snippets, never an error.
func (p *PackProvider) Search(ctx context.Context, projectID, query string, limit int) ([]Snippet, error) {
	pack, _, err := p.loader.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.indexed[pack.ID()] {
		p.indexed[pack.ID()] = true
		p.mu.Unlock()
		if text := pack.Knowledge(ctx); text != "" {
			p.static.Index(pack.ID(), pack.ID()+"/policy/knowledge.md", text)
		}
	} else {
		p.mu.Unlock()
	}

	return p.static.Search(ctx, pack.ID(), query, limit)
}
