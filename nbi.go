// Package nbi defines the request/response types for the notebook
// intelligence daemon IPC. Messages are JSON-encoded and sent over a Unix
// domain socket, one per line. The same package holds the data model shared
// by every subsystem: notebook cells, extraction context, and the login
// challenge surfaced during device authentication.
package nbi

import "encoding/json"

// CompletionProviderName is the display name for the inline completion
// provider a host editor registers.
const CompletionProviderName = "Notebook Intelligence"

// CompletionProviderID identifies the inline completion provider.
const CompletionProviderID = "notebook-intelligence"

// Command identifiers a host command palette can invoke.
const (
	CommandExplainInput  = "explain-input"
	CommandExplainOutput = "explain-output"
)

// CellTypeCode marks a cell whose source is executable code. Any other cell
// type (markdown, raw) contributes nothing to completion context.
const CellTypeCode = "code"

// Cell is one ordered unit of a notebook document.
type Cell struct {
	// Type is the cell type as reported by the host editor ("code",
	// "markdown", "raw").
	Type string `json:"cell_type"`
	// Source is the full textual content of the cell.
	Source string `json:"source"`
}

// IsCode reports whether the cell contributes to completion context.
func (c Cell) IsCode() bool { return c.Type == CellTypeCode }

// OutputItem is one execution output of a code cell, in execution order.
type OutputItem struct {
	// Data is the JSON-serializable output payload as produced by the
	// kernel (typically a MIME bundle).
	Data json.RawMessage `json:"data"`
}

// CompletionContext is the bounded text window derived from a cursor
// position inside a document. It maps directly onto the backend's
// inline-completions request body.
type CompletionContext struct {
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`
	Language string `json:"language"`
}

// Request is a completion request sent from the host editor to the daemon.
// It is the only daemon request without a "type" discriminator.
type Request struct {
	// RequestID is an opaque identifier assigned by the host. The daemon
	// echoes it back in the response for ordering.
	RequestID string `json:"request_id"`
	// SessionID identifies the editor session.
	SessionID string `json:"session_id"`
	// Cells is the ordered cell sequence of the open document.
	Cells []Cell `json:"cells"`
	// ActiveCell is the index of the active cell in Cells, or -1 when no
	// cell is active.
	ActiveCell int `json:"active_cell"`
	// CursorPos is the cursor byte offset within the active cell's source.
	CursorPos int `json:"cursor_pos"`
	// Path is the document path, used for workspace context lookup.
	Path string `json:"path,omitempty"`
}

// Completion is a single inline completion suggestion.
type Completion struct {
	// InsertText is the text to insert at the cursor position.
	InsertText string `json:"insert_text"`
}

// Response is sent from the daemon back to the host editor.
type Response struct {
	// RequestID is echoed from the request for ordering on the host side.
	RequestID string `json:"request_id"`
	// Items is the completion list. Empty (never null on the wire) when the
	// backend yields no suggestion or the request failed.
	Items []Completion `json:"items"`
	// Error is set when the daemon cannot fulfill the request.
	Error *Error `json:"error,omitempty"`
}

// ChatRequest is sent from the host editor for chat and explain commands.
type ChatRequest struct {
	// Type is always "chat".
	Type string `json:"type"`
	// Command selects a built-in prompt: CommandExplainInput,
	// CommandExplainOutput, or empty for a free-form prompt.
	Command string `json:"command,omitempty"`
	// Prompt is the free-form user prompt (ignored for explain commands).
	Prompt string `json:"prompt,omitempty"`
	// Cells is the ordered cell sequence of the open document.
	Cells []Cell `json:"cells,omitempty"`
	// ActiveCell is the index of the active cell, or -1 when none.
	ActiveCell int `json:"active_cell"`
	// Outputs are the active cell's execution outputs, in execution order.
	// Used by CommandExplainOutput.
	Outputs []OutputItem `json:"outputs,omitempty"`
	// Path is the document path, used for workspace context lookup.
	Path string `json:"path,omitempty"`
}

// ChatResponse is sent from the daemon in response to a ChatRequest.
type ChatResponse struct {
	// Message is the backend's reply, forwarded opaquely to the chat surface.
	Message string `json:"message,omitempty"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}

// StatusRequest is sent from the host editor for auth session operations.
type StatusRequest struct {
	// Type is "status" or "logout".
	Type string `json:"type"`
}

// StatusResponse reports the auth session state.
type StatusResponse struct {
	// LoggedIn mirrors the backend's login status as of the last poll.
	LoggedIn bool `json:"logged_in"`
	// LoginRequested is true while a device login has been triggered for
	// the current unauthenticated period.
	LoginRequested bool `json:"login_requested"`
	// VerificationURI and UserCode are set while a device login is pending,
	// for out-of-band display to the user.
	VerificationURI string `json:"verification_uri,omitempty"`
	UserCode        string `json:"user_code,omitempty"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}

// LoginChallenge is the device-code challenge returned by the backend.
// It is displayed to the user and never stored.
type LoginChallenge struct {
	VerificationURI string `json:"verification_uri"`
	UserCode        string `json:"user_code"`
}

// ConfigRequest is sent from the host editor for configuration operations.
type ConfigRequest struct {
	// Action is the config operation: "get", "reload", "defaults",
	// "default_prompt", or "validate".
	Action string `json:"action"`
}

// ConfigResponse is sent from the daemon in response to a ConfigRequest.
type ConfigResponse struct {
	// Config is the current configuration (for "get", "reload", and
	// "defaults" actions).
	Config *Config `json:"config,omitempty"`
	// Prompt is the default chat prompt template (for "default_prompt").
	Prompt string `json:"prompt,omitempty"`
	// Warnings contains configuration warnings (for "validate").
	Warnings []string `json:"warnings,omitempty"`
	// Error is set when the operation fails.
	Error *Error `json:"error,omitempty"`
}

// Error describes a daemon-side error returned to the host editor.
type Error struct {
	// Code is a machine-readable error identifier (e.g. "not_configured",
	// "api_error").
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}
