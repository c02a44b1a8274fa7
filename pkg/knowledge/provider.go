// Package knowledge defines the similarity-search boundary used to pull
// contextual snippets into scoring. Retrieval is best-effort: failures
// degrade to an empty context.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Snippet is one ranked piece of retrieved domain knowledge
type Snippet struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

// Provider is the abstract similarity-search boundary
type Provider interface {
	Search(ctx context.Context, projectID, query string, limit int) ([]Snippet, error)
}

// StaticProvider serves snippets from in-process documents with simple
// keyword-overlap scoring. It backs tests and single-node deployments
// where no external vector service is wired.
type StaticProvider struct {
	mu   sync.RWMutex
	docs map[string][]document // projectID -> documents
}

type document struct {
	source string
	text   string
}

// NewStaticProvider creates an empty static provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{docs: make(map[string][]document)}
}

// Index splits a document into paragraphs and registers them for a project
func (p *StaticProvider) Index(projectID, source, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		p.docs[projectID] = append(p.docs[projectID], document{source: source, text: para})
	}
}

// Search implements Provider with keyword-overlap scoring
func (p *StaticProvider) Search(_ context.Context, projectID, query string, limit int) ([]Snippet, error) {
	p.mu.RLock()
	docs := p.docs[projectID]
	p.mu.RUnlock()

	terms := tokenize(query)
	if len(terms) == 0 || len(docs) == 0 {
		return nil, nil
	}

	snippets := make([]Snippet, 0, len(docs))
	for _, doc := range docs {
		score := overlap(terms, tokenize(doc.text))
		if score > 0 {
			snippets = append(snippets, Snippet{Text: doc.text, Source: doc.source, Score: score})
		}
	}

	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Score > snippets[j].Score
	})

	if limit > 0 && len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;!?()[]\"'")
		if len(word) > 2 {
			tokens[word] = true
		}
	}
	return tokens
}

func overlap(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for term := range query {
		if doc[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}
