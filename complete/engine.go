// Package complete orchestrates backend inference for inline cell completions.
package complete

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	nbi "github.com/datalayer-externals/notebook-intelligence"
	"github.com/datalayer-externals/notebook-intelligence/backend"
	"github.com/datalayer-externals/notebook-intelligence/notebook"
)

const defaultCacheTTL = 30 * time.Second

// Engine turns completion requests into inline-completion calls against the
// backend. Identical contexts within the cache TTL are served from memory,
// and a result that arrives after a newer request for the same session has
// been issued is discarded.
type Engine struct {
	transport backend.Transport
	language  string
	cache     *ttlcache.Cache[string, []nbi.Completion]

	mu   sync.Mutex
	seqs map[string]uint64 // session id -> latest issued sequence
}

// NewEngine creates a completion engine from the loaded configuration.
func NewEngine() *Engine {
	cfg, err := nbi.LoadConfig()
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		cfg = nbi.DefaultConfig()
	}

	var transport backend.Transport
	baseURL := nbi.ResolveBackendBaseURL(cfg)
	if baseURL != "" {
		transport = backend.NewClient(baseURL, nbi.ResolveBackendAPIKey(cfg))
	} else {
		slog.Warn("backend base URL not configured")
	}

	ttl := defaultCacheTTL
	if cfg.Backend.CacheTTLSeconds > 0 {
		ttl = time.Duration(cfg.Backend.CacheTTLSeconds) * time.Second
	}

	return newEngine(transport, nbi.ResolveLanguage(cfg), ttl)
}

func newEngine(transport backend.Transport, language string, ttl time.Duration) *Engine {
	c := ttlcache.New[string, []nbi.Completion](
		ttlcache.WithTTL[string, []nbi.Completion](ttl),
		ttlcache.WithDisableTouchOnHit[string, []nbi.Completion](),
	)
	go c.Start()
	return &Engine{
		transport: transport,
		language:  language,
		cache:     c,
		seqs:      make(map[string]uint64),
	}
}

// Close stops the cache expiration loop.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Stop()
	}
}

// Complete processes a completion request and returns a response. The items
// list is empty (never nil) when no completion is available; transport
// failures are reported through the response error while keeping the items
// empty.
func (e *Engine) Complete(ctx context.Context, req *nbi.Request) *nbi.Response {
	resp := &nbi.Response{RequestID: req.RequestID, Items: []nbi.Completion{}}

	if e.transport == nil {
		resp.Error = &nbi.Error{
			Code:    "not_configured",
			Message: "backend base URL not configured; set NBI_BACKEND_BASE_URL or edit config.json",
		}
		return resp
	}

	doc := notebook.FromRequest(req)
	cctx := notebook.Extract(doc, e.language)

	// Nothing around the cursor to complete against.
	if strings.TrimSpace(cctx.Prefix) == "" && strings.TrimSpace(cctx.Suffix) == "" {
		return resp
	}

	key := cacheKey(cctx)
	if e.cache != nil {
		if item := e.cache.Get(key); item != nil {
			resp.Items = item.Value()
			return resp
		}
	}

	seq := e.begin(req.SessionID)

	// Check for cancellation before the network round-trip.
	if ctx.Err() != nil {
		return resp
	}

	text, err := e.transport.InlineCompletions(ctx, cctx)
	if err != nil {
		slog.Error("inline completion error", "error", err)
		resp.Error = &nbi.Error{Code: "api_error", Message: err.Error()}
		return resp
	}

	// A newer request for this session supersedes us
	if e.stale(req.SessionID, seq) {
		return resp
	}

	if strings.TrimSpace(text) == "" {
		return resp
	}

	items := []nbi.Completion{{InsertText: text}}
	if e.cache != nil {
		e.cache.Set(key, items, ttlcache.DefaultTTL)
	}
	resp.Items = items
	return resp
}

func (e *Engine) begin(session string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seqs[session]++
	return e.seqs[session]
}

func (e *Engine) stale(session string, seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqs[session] != seq
}

func cacheKey(cctx nbi.CompletionContext) string {
	h := sha256.New()
	h.Write([]byte(cctx.Language))
	h.Write([]byte{0})
	h.Write([]byte(cctx.Prefix))
	h.Write([]byte{0})
	h.Write([]byte(cctx.Suffix))
	return fmt.Sprintf("%x", h.Sum(nil))
}
