package index

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/coder/hnsw"

	nbi "github.com/datalayer-externals/notebook-intelligence"
)

// fakeEmbeddingServer returns a deterministic vector per input text so
// similarity search is stable across runs.
func fakeEmbeddingServer(t *testing.T, requests *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		var req struct {
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		var texts []string
		if err := json.Unmarshal(req.Input, &texts); err != nil {
			var one string
			if err := json.Unmarshal(req.Input, &one); err != nil {
				t.Errorf("unexpected input payload: %s", req.Input)
			}
			texts = []string{one}
		}
		type item struct {
			Embedding []float32 `json:"embedding"`
		}
		items := make([]item, len(texts))
		for i, text := range texts {
			v := float32(len(text))
			items[i] = item{Embedding: []float32{v, v + 1, v + 2}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
}

func TestIndexCellsNilEmbedderNoOp(t *testing.T) {
	idx := NewIndexer(nil, 0)
	err := idx.IndexCells(context.Background(), []nbi.Cell{
		{Type: nbi.CellTypeCode, Source: "x = 1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("expected empty index, got %d cells", idx.Len())
	}

	sources, err := idx.SearchRelevant(context.Background(), "query", 3)
	if err != nil || sources != nil {
		t.Errorf("expected nil, nil from disabled search, got %v, %v", sources, err)
	}
}

func TestIndexCellsSkipsNonCodeAndBlank(t *testing.T) {
	var requests int
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	idx := NewIndexer(NewEmbedder(srv.URL, "", "test-model"), 16)
	err := idx.IndexCells(context.Background(), []nbi.Cell{
		{Type: "markdown", Source: "# notes"},
		{Type: nbi.CellTypeCode, Source: "   \n"},
		{Type: nbi.CellTypeCode, Source: "x = 1"},
	})
	if err != nil {
		t.Fatalf("IndexCells: %v", err)
	}
	if idx.Len() != 1 {
		t.Errorf("expected 1 indexed cell, got %d", idx.Len())
	}
}

func TestIndexCellsDeduplicates(t *testing.T) {
	var requests int
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	idx := NewIndexer(NewEmbedder(srv.URL, "", "test-model"), 16)
	cells := []nbi.Cell{
		{Type: nbi.CellTypeCode, Source: "x = 1"},
		{Type: nbi.CellTypeCode, Source: "x = 1"},
		{Type: nbi.CellTypeCode, Source: "y = 2"},
	}
	if err := idx.IndexCells(context.Background(), cells); err != nil {
		t.Fatalf("IndexCells: %v", err)
	}
	if idx.Len() != 2 {
		t.Errorf("expected 2 distinct cells, got %d", idx.Len())
	}
	first := requests

	// Re-indexing the same cells must not call the API again.
	if err := idx.IndexCells(context.Background(), cells); err != nil {
		t.Fatalf("IndexCells: %v", err)
	}
	if requests != first {
		t.Errorf("expected no further embedding requests, got %d more", requests-first)
	}
}

func TestIndexCellsRespectsMaxCells(t *testing.T) {
	var requests int
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	idx := NewIndexer(NewEmbedder(srv.URL, "", "test-model"), 2)
	var cells []nbi.Cell
	for i := 0; i < 5; i++ {
		cells = append(cells, nbi.Cell{Type: nbi.CellTypeCode, Source: fmt.Sprintf("x = %d", i)})
	}
	if err := idx.IndexCells(context.Background(), cells); err != nil {
		t.Fatalf("IndexCells: %v", err)
	}
	if idx.Len() != 2 {
		t.Errorf("expected index capped at 2, got %d", idx.Len())
	}
}

func TestSearchRelevantReturnsIndexedSource(t *testing.T) {
	var requests int
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	idx := NewIndexer(NewEmbedder(srv.URL, "", "test-model"), 16)
	err := idx.IndexCells(context.Background(), []nbi.Cell{
		{Type: nbi.CellTypeCode, Source: "import pandas as pd"},
		{Type: nbi.CellTypeCode, Source: "df.plot()"},
	})
	if err != nil {
		t.Fatalf("IndexCells: %v", err)
	}

	sources, err := idx.SearchRelevant(context.Background(), "import pandas as pd", 1)
	if err != nil {
		t.Fatalf("SearchRelevant: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 result, got %d", len(sources))
	}
	if sources[0] != "import pandas as pd" && sources[0] != "df.plot()" {
		t.Errorf("unexpected result %q", sources[0])
	}
}

func TestSearchRelevantEmptyGraph(t *testing.T) {
	var requests int
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	idx := NewIndexer(NewEmbedder(srv.URL, "", "test-model"), 16)
	sources, err := idx.SearchRelevant(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("SearchRelevant: %v", err)
	}
	if sources != nil {
		t.Errorf("expected nil results on empty graph, got %v", sources)
	}
}

func TestSaveLoadCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	src := &Indexer{
		maxCells: 16,
		graph:    hnsw.NewGraph[string](),
		cells:    make(map[string]string),
	}
	hash := hashSource("x = 1")
	src.graph.Add(hnsw.MakeNode(hash, []float32{1, 2, 3}))
	src.cells[hash] = "x = 1"

	if err := src.SaveCache(path, "test-model"); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	dst := NewIndexer(nil, 16)
	if err := dst.LoadCache(path, "test-model"); err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if dst.Len() != 1 {
		t.Errorf("expected 1 cell after load, got %d", dst.Len())
	}
	if dst.cells[hash] != "x = 1" {
		t.Errorf("cell source not restored: %q", dst.cells[hash])
	}
}

func TestLoadCacheModelMismatchSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")

	src := &Indexer{
		maxCells: 16,
		graph:    hnsw.NewGraph[string](),
		cells:    make(map[string]string),
	}
	hash := hashSource("x = 1")
	src.graph.Add(hnsw.MakeNode(hash, []float32{1, 2, 3}))
	src.cells[hash] = "x = 1"
	if err := src.SaveCache(path, "model-a"); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	dst := NewIndexer(nil, 16)
	if err := dst.LoadCache(path, "model-b"); err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if dst.Len() != 0 {
		t.Errorf("expected mismatched cache to be skipped, got %d cells", dst.Len())
	}
}

func TestLoadCacheMissingFile(t *testing.T) {
	idx := NewIndexer(nil, 16)
	err := idx.LoadCache(filepath.Join(t.TempDir(), "missing.json"), "test-model")
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestHashSourceDeterministic(t *testing.T) {
	a := hashSource("x = 1")
	b := hashSource("x = 1")
	c := hashSource("x = 2")
	if a != b {
		t.Errorf("same source must hash equal: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different sources must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
}
