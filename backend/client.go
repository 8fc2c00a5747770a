// Package backend implements the HTTP client for the remote AI
// coding-assistance service. It covers the full request/response contract
// the client layer depends on: inline completions, device login, login
// status, logout, and chat.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	nbi "github.com/datalayer-externals/notebook-intelligence"
)

// Transport is the collaborator surface the client layer depends on. It is
// satisfied by *Client and by test stubs.
type Transport interface {
	// InlineCompletions fetches a single completion for the given context.
	InlineCompletions(ctx context.Context, cc nbi.CompletionContext) (string, error)
	// BeginLogin starts a device-code login and returns the challenge the
	// user must complete out-of-band.
	BeginLogin(ctx context.Context) (*nbi.LoginChallenge, error)
	// LoginStatus reports whether the backend considers the session
	// logged in.
	LoginStatus(ctx context.Context) (bool, error)
	// Logout clears the backend-side session.
	Logout(ctx context.Context) error
	// Chat sends a natural-language prompt and returns the reply text.
	Chat(ctx context.Context, prompt string) (string, error)
}

// Client talks JSON over HTTP to the assistance backend.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a backend client for the given base URL. apiKey may be
// empty when the backend requires no bearer token.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type completionRequest struct {
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`
	Language string `json:"language"`
}

type completionResponse struct {
	Data string `json:"data"`
}

// InlineCompletions sends the extracted context to the backend and returns
// the raw completion text. Exactly one request per invocation; no retry.
func (c *Client) InlineCompletions(ctx context.Context, cc nbi.CompletionContext) (string, error) {
	body, err := c.post(ctx, "inline-completions", completionRequest{
		Prefix:   cc.Prefix,
		Suffix:   cc.Suffix,
		Language: cc.Language,
	})
	if err != nil {
		return "", err
	}

	var result completionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse completion response: %w (body: %s)", err, string(body))
	}
	return result.Data, nil
}

// BeginLogin requests a device-code challenge from the backend.
func (c *Client) BeginLogin(ctx context.Context) (*nbi.LoginChallenge, error) {
	body, err := c.post(ctx, "gh-login", nil)
	if err != nil {
		return nil, err
	}

	var challenge nbi.LoginChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w (body: %s)", err, string(body))
	}
	if challenge.VerificationURI == "" || challenge.UserCode == "" {
		return nil, fmt.Errorf("incomplete login challenge (body: %s)", string(body))
	}
	return &challenge, nil
}

type statusResponse struct {
	LoggedIn bool `json:"logged_in"`
}

// LoginStatus polls the backend's login status.
func (c *Client) LoginStatus(ctx context.Context) (bool, error) {
	body, err := c.get(ctx, "gh-login-status")
	if err != nil {
		return false, err
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return false, fmt.Errorf("failed to parse login status: %w (body: %s)", err, string(body))
	}
	return status.LoggedIn, nil
}

// Logout clears the backend-side session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.get(ctx, "gh-logout")
	return err
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

// Chat sends a prompt to the backend's chat endpoint. The response is
// free-form: a JSON object carrying a "message" field yields that field,
// anything else is returned as raw text.
func (c *Client) Chat(ctx context.Context, prompt string) (string, error) {
	body, err := c.post(ctx, "chat", chatRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}

	var reply struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &reply); err == nil && reply.Message != "" {
		return reply.Message, nil
	}
	return string(body), nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/"+path, reader)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/"+path, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("backend API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
