// Package chat builds prompts for the explain commands and free-form chat
// and dispatches them to the backend.
package chat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	nbi "github.com/datalayer-externals/notebook-intelligence"
	"github.com/datalayer-externals/notebook-intelligence/backend"
	defaults "github.com/datalayer-externals/notebook-intelligence/default"
	"github.com/datalayer-externals/notebook-intelligence/index"
	"github.com/datalayer-externals/notebook-intelligence/notebook"
)

// relatedCellCount is how many semantically similar cells are attached to a
// prompt when the cell index is enabled.
const relatedCellCount = 3

// Dispatcher turns chat requests into backend chat calls. The prompt is the
// rendered preamble followed by workspace and related-cell context and the
// user message.
type Dispatcher struct {
	transport    backend.Transport
	indexer      *index.Indexer // nil disables related-cell context
	workspace    *WorkspaceCache
	language     string
	customPrompt string // loaded custom preamble template (empty = use default)
}

// NewDispatcher creates a chat dispatcher from the loaded configuration.
func NewDispatcher() *Dispatcher {
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

	var indexer *index.Indexer
	if nbi.EmbeddingEnabled(cfg) {
		embedder := index.NewEmbedder(
			nbi.ResolveEmbeddingBaseURL(cfg),
			nbi.ResolveEmbeddingAPIKey(cfg),
			nbi.ResolveEmbeddingModel(cfg),
		)
		indexer = index.NewIndexer(embedder, cfg.Embedding.MaxCells)
		// A cache saved by a previous run spares re-embedding unchanged cells.
		if err := indexer.LoadCache(embeddingCachePath(), embedder.Model()); err != nil {
			slog.Debug("no embedding cache loaded", "error", err)
		}
	}

	return &Dispatcher{
		transport:    transport,
		indexer:      indexer,
		workspace:    NewWorkspaceCache(),
		language:     nbi.ResolveLanguage(cfg),
		customPrompt: loadCustomPrompt(),
	}
}

// loadCustomPrompt loads a custom preamble template.
// Returns empty string if no custom prompt exists.
func loadCustomPrompt() string {
	promptPath := nbi.PromptPath()
	data, err := os.ReadFile(promptPath)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", promptPath)
	return string(data)
}

// embeddingCachePath is where the cell embedding index persists between runs.
func embeddingCachePath() string {
	return filepath.Join(nbi.ConfigDir(), "embeddings.json")
}

// Close persists the embedding index and releases resources held by the
// dispatcher.
func (d *Dispatcher) Close() {
	if d.indexer != nil {
		d.saveIndexCache()
		d.indexer.Close()
	}
	if d.workspace != nil {
		d.workspace.Close()
	}
}

func (d *Dispatcher) saveIndexCache() {
	model := d.indexer.EmbeddingModel()
	if model == "" || d.indexer.Len() == 0 {
		return
	}
	path := embeddingCachePath()
	os.MkdirAll(filepath.Dir(path), 0755)
	if err := d.indexer.SaveCache(path, model); err != nil {
		slog.Warn("failed to save embedding cache", "error", err)
	}
}

// Dispatch processes a chat request and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *nbi.ChatRequest) *nbi.ChatResponse {
	if d.transport == nil {
		return &nbi.ChatResponse{
			Error: &nbi.Error{
				Code:    "not_configured",
				Message: "backend base URL not configured; set NBI_BACKEND_BASE_URL or edit config.json",
			},
		}
	}

	userMessage, errResp := d.buildUserMessage(req)
	if errResp != nil {
		return errResp
	}

	if d.indexer != nil {
		if err := d.indexer.IndexCells(ctx, req.Cells); err != nil {
			slog.Warn("cell indexing failed", "error", err)
		}
	}

	prompt := d.buildPrompt(ctx, req, userMessage)
	slog.Debug("chat prompt", "prompt", prompt)

	if ctx.Err() != nil {
		return &nbi.ChatResponse{}
	}

	message, err := d.transport.Chat(ctx, prompt)
	if err != nil {
		slog.Error("chat error", "error", err)
		return &nbi.ChatResponse{
			Error: &nbi.Error{Code: "api_error", Message: err.Error()},
		}
	}

	return &nbi.ChatResponse{Message: message}
}

// buildUserMessage renders the command-specific portion of the prompt.
// Missing context (no active cell, no outputs, blank prompt) short-circuits
// the command to an empty response instead of failing.
func (d *Dispatcher) buildUserMessage(req *nbi.ChatRequest) (string, *nbi.ChatResponse) {
	noOp := func(reason string) *nbi.ChatResponse {
		slog.Debug("chat command short-circuited", "command", req.Command, "reason", reason)
		return &nbi.ChatResponse{}
	}

	switch req.Command {
	case nbi.CommandExplainInput:
		source, ok := activeSource(req)
		if !ok {
			return "", noOp("no active code cell")
		}
		return "Explain what the following code does:\n\n" + source, nil

	case nbi.CommandExplainOutput:
		flat := notebook.FlattenOutputs(req.Outputs)
		if flat == "" {
			return "", noOp("no cell outputs")
		}
		var sb strings.Builder
		sb.WriteString("Explain the following cell output.")
		if source, ok := activeSource(req); ok {
			sb.WriteString(" The cell that produced it:\n\n")
			sb.WriteString(source)
			sb.WriteString("\n")
		}
		sb.WriteString("\nOutput:\n\n")
		sb.WriteString(flat)
		return sb.String(), nil

	case "":
		if strings.TrimSpace(req.Prompt) == "" {
			return "", noOp("blank prompt")
		}
		return req.Prompt, nil

	default:
		return "", &nbi.ChatResponse{
			Error: &nbi.Error{Code: "bad_request", Message: "unknown command: " + req.Command},
		}
	}
}

// activeSource returns the redacted source of the active cell.
func activeSource(req *nbi.ChatRequest) (string, bool) {
	if req.ActiveCell < 0 || req.ActiveCell >= len(req.Cells) {
		return "", false
	}
	cell := req.Cells[req.ActiveCell]
	if strings.TrimSpace(cell.Source) == "" {
		return "", false
	}
	return index.RedactCellSource(cell.Source), true
}

// buildPrompt assembles preamble, context sections, and the user message.
func (d *Dispatcher) buildPrompt(ctx context.Context, req *nbi.ChatRequest, userMessage string) string {
	var sb strings.Builder
	sb.WriteString(d.renderPreamble())
	sb.WriteString("\n")

	if ws := d.lookupWorkspace(req.Path); ws != nil && len(ws.Manifests) > 0 {
		sb.WriteString("\nProject:\n")
		for _, name := range workspaceManifests {
			if content, ok := ws.Manifests[name]; ok {
				sb.WriteString(name)
				sb.WriteString(": ")
				sb.WriteString(content)
				sb.WriteString("\n")
			}
		}
	}

	if related := d.relatedCells(ctx, userMessage); len(related) > 0 {
		sb.WriteString("\nRelated cells from this notebook:\n")
		for _, src := range related {
			sb.WriteString("```\n")
			sb.WriteString(strings.TrimRight(src, "\n"))
			sb.WriteString("\n```\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(userMessage)
	return sb.String()
}

func (d *Dispatcher) lookupWorkspace(path string) *WorkspaceContext {
	if d.workspace == nil {
		return nil
	}
	return d.workspace.Lookup(path)
}

func (d *Dispatcher) relatedCells(ctx context.Context, query string) []string {
	if d.indexer == nil {
		return nil
	}
	related, err := d.indexer.SearchRelevant(ctx, query, relatedCellCount)
	if err != nil {
		slog.Warn("related cell search failed", "error", err)
		return nil
	}
	return related
}

// preambleData holds the data passed to the preamble template.
type preambleData struct {
	Language string
}

// renderPreamble renders the preamble from the custom or default template.
func (d *Dispatcher) renderPreamble() string {
	tmplSrc := d.customPrompt
	if tmplSrc == "" {
		tmplSrc = defaults.DefaultChatPrompt
	}

	data := preambleData{Language: d.language}

	t, err := template.New("preamble").Parse(tmplSrc)
	if err != nil {
		slog.Warn("failed to parse preamble template, falling back to default", "error", err)
		t, _ = template.New("preamble").Parse(defaults.DefaultChatPrompt)
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		slog.Warn("failed to execute preamble template, falling back to default", "error", err)
		t, _ = template.New("preamble").Parse(defaults.DefaultChatPrompt)
		buf.Reset()
		if err := t.Execute(&buf, data); err != nil {
			slog.Error("default preamble template failed", "error", err)
			return strings.TrimRight(defaults.DefaultChatPrompt, " \t\n")
		}
	}

	return strings.TrimRight(buf.String(), " \t\n")
}
