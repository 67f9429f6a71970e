// Package toolrag keeps a vector index of tool descriptions so the agent can
// offer the model only the tools relevant to the current message.
package toolrag

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/therenovatio/teleton-agent-sub000/internal/config"
	"github.com/therenovatio/teleton-agent-sub000/internal/tools"
	"github.com/therenovatio/teleton-agent-sub000/internal/vector"
)

const (
	collectionName = "tools"
	indexWorkers   = 4
)

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Index is a tools.Searcher backed by an in-memory chromem collection
type Index struct {
	cfg        config.ToolRAGConfig
	embedder   Embedder
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger

	mu      sync.RWMutex
	always  []string
	indexed map[string]bool
}

// New creates an empty index. A nil embedder uses the local hashing embedder.
func New(cfg config.ToolRAGConfig, embedder Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		embedder = vector.NewLocalEmbedder(0)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil, embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool collection: %w", err)
	}

	return &Index{
		cfg:        cfg,
		embedder:   embedder,
		db:         db,
		collection: collection,
		logger:     logger,
		always:     append([]string(nil), cfg.AlwaysInclude...),
		indexed:    make(map[string]bool),
	}, nil
}

// Index embeds and stores every tool. Existing entries are overwritten.
func (ix *Index) Index(ctx context.Context, list []tools.Tool) error {
	docs := make([]chromem.Document, len(list))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexWorkers)
	for i, t := range list {
		i, t := i, t
		g.Go(func() error {
			doc, err := ix.document(gctx, t)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, doc := range docs {
		if err := ix.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to index tool %s: %w", doc.ID, err)
		}
	}

	ix.mu.Lock()
	for _, t := range list {
		ix.indexed[t.Name] = true
	}
	ix.mu.Unlock()

	ix.logger.Info("Tool index built", zap.Int("tools", len(list)), zap.Int("total", ix.collection.Count()))
	return nil
}

// Apply mirrors one registry change into the index. It is registered as a
// registry change listener, so it must not call back into the registry.
func (ix *Index) Apply(c tools.Change) {
	ctx := context.Background()

	if len(c.Removed) > 0 {
		if err := ix.collection.Delete(ctx, nil, nil, c.Removed...); err != nil {
			ix.logger.Warn("Failed to drop tools from index", zap.String("owner", c.Owner), zap.Error(err))
		}
		ix.mu.Lock()
		for _, name := range c.Removed {
			delete(ix.indexed, name)
		}
		ix.mu.Unlock()
	}

	if len(c.Added) > 0 {
		if err := ix.Index(ctx, c.Added); err != nil {
			ix.logger.Warn("Failed to index plugin tools", zap.String("owner", c.Owner), zap.Error(err))
		}
	}
}

// Search returns tools ranked by similarity to query. A caller-supplied
// embedding is used when it matches the index dimension.
func (ix *Index) Search(ctx context.Context, query string, embedding []float32) ([]tools.Match, error) {
	count := ix.collection.Count()
	if count == 0 {
		return nil, nil
	}
	n := ix.cfg.TopK
	if n > count {
		n = count
	}

	var (
		results []chromem.Result
		err     error
	)
	if len(embedding) == ix.embedder.Dimension() {
		results, err = ix.collection.QueryEmbedding(ctx, embedding, n, nil, nil)
	} else {
		if strings.TrimSpace(query) == "" {
			return nil, nil
		}
		results, err = ix.collection.Query(ctx, query, n, nil, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("tool search failed: %w", err)
	}

	matches := make([]tools.Match, 0, len(results))
	for _, r := range results {
		if r.Similarity < ix.cfg.MinScore {
			continue
		}
		matches = append(matches, tools.Match{Name: r.ID, Score: r.Similarity})
	}
	return matches, nil
}

// IsAlwaysIncluded matches name against the always_include patterns
// ("memory_*" style globs).
func (ix *Index) IsAlwaysIncluded(name string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, pattern := range ix.always {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Contains reports whether name is indexed
func (ix *Index) Contains(name string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.indexed[name]
}

// Count returns the number of indexed tools
func (ix *Index) Count() int {
	return ix.collection.Count()
}

func (ix *Index) document(ctx context.Context, t tools.Tool) (chromem.Document, error) {
	content := describe(t)
	emb, err := ix.embedder.Embed(ctx, content)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("failed to embed tool %s: %w", t.Name, err)
	}
	return chromem.Document{
		ID:        t.Name,
		Content:   content,
		Embedding: emb,
		Metadata: map[string]string{
			"module":   t.Module,
			"category": t.Category,
		},
	}, nil
}

// describe is the text a tool is embedded as: its name, description and
// parameter names.
func describe(t tools.Tool) string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteString(" ")
	b.WriteString(t.Description)
	if props, ok := t.Parameters["properties"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, name := range keys {
			b.WriteString(" ")
			b.WriteString(name)
			if pm, ok := props[name].(map[string]interface{}); ok {
				if d, ok := pm["description"].(string); ok {
					b.WriteString(" ")
					b.WriteString(d)
				}
			}
		}
	}
	return b.String()
}
