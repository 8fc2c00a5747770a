// Package index embeds notebook code cells into an in-memory vector graph
// so chat prompts can be enriched with the cells most relevant to a query.
package index

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	nbi "github.com/datalayer-externals/notebook-intelligence"
)

const indexBatchSize = 32

// Indexer embeds redacted code-cell sources into an HNSW graph keyed by
// content hash. A nil embedder disables semantic features; every method is
// then a no-op.
type Indexer struct {
	embedder *Embedder
	maxCells int

	mu    sync.RWMutex
	graph *hnsw.Graph[string]
	cells map[string]string // hash -> redacted cell source
}

// NewIndexer creates a new cell indexer. maxCells caps how many distinct
// cell sources are retained.
func NewIndexer(embedder *Embedder, maxCells int) *Indexer {
	if maxCells <= 0 {
		maxCells = 512
	}
	return &Indexer{
		embedder: embedder,
		maxCells: maxCells,
		graph:    hnsw.NewGraph[string](),
		cells:    make(map[string]string),
	}
}

// IndexCells embeds any not-yet-indexed code cells from the given sequence.
// Non-code and blank cells are skipped; sources are secret-redacted before
// they leave the process.
func (idx *Indexer) IndexCells(ctx context.Context, cells []nbi.Cell) error {
	if idx.embedder == nil {
		return nil
	}

	type pending struct {
		hash   string
		source string
	}

	idx.mu.RLock()
	var toEmbed []pending
	seen := make(map[string]bool)
	for _, cell := range cells {
		if !cell.IsCode() || strings.TrimSpace(cell.Source) == "" {
			continue
		}
		redacted := RedactCellSource(cell.Source)
		hash := hashSource(redacted)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		if _, exists := idx.graph.Lookup(hash); exists {
			continue
		}
		if len(idx.cells)+len(toEmbed) >= idx.maxCells {
			break
		}
		toEmbed = append(toEmbed, pending{hash: hash, source: redacted})
	}
	idx.mu.RUnlock()

	if len(toEmbed) == 0 {
		return nil
	}

	// Embed in batches via API, accumulating results locally
	var allNodes []hnsw.Node[string]
	allCells := make(map[string]string, len(toEmbed))

	for i := 0; i < len(toEmbed); i += indexBatchSize {
		end := i + indexBatchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		texts := make([]string, len(batch))
		for j, p := range batch {
			texts[j] = p.source
		}

		vectors, err := idx.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Error("batch embed error", "error", err)
			continue
		}

		for j, p := range batch {
			allNodes = append(allNodes, hnsw.MakeNode(p.hash, vectors[j]))
			allCells[p.hash] = p.source
		}
	}

	// Single graph insertion under one write lock
	if len(allNodes) > 0 {
		idx.mu.Lock()
		idx.graph.Add(allNodes...)
		for k, v := range allCells {
			idx.cells[k] = v
		}
		idx.mu.Unlock()
	}

	return nil
}

// SearchRelevant embeds the query and returns the topK most similar cell
// sources.
func (idx *Indexer) SearchRelevant(ctx context.Context, query string, topK int) ([]string, error) {
	if idx.embedder == nil {
		return nil, nil
	}

	queryVec, err := idx.embedder.Embed(ctx, RedactCellSource(query))
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 || topK <= 0 {
		return nil, nil
	}

	neighbors := idx.graph.Search(queryVec, topK)
	sources := make([]string, len(neighbors))
	for i, n := range neighbors {
		sources[i] = idx.cells[n.Key]
	}
	return sources, nil
}

// Len returns the number of indexed cells.
func (idx *Indexer) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.cells)
}

// Close releases resources held by the indexer.
func (idx *Indexer) Close() {
	if idx.embedder != nil {
		idx.embedder.Close()
	}
}

func hashSource(src string) string {
	h := sha256.Sum256([]byte(src))
	return fmt.Sprintf("%x", h)
}
