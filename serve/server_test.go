package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	nbi "github.com/datalayer-externals/notebook-intelligence"
	"github.com/datalayer-externals/notebook-intelligence/auth"
)

// stubCompleter returns a fixed response for testing.
type stubCompleter struct {
	resp *nbi.Response
}

func (s *stubCompleter) Complete(_ context.Context, _ *nbi.Request) *nbi.Response {
	// Return a copy to avoid race conditions when server sets RequestID
	return &nbi.Response{
		Items: s.resp.Items,
		Error: s.resp.Error,
	}
}

func (s *stubCompleter) Close() {}

// stubChatter returns a fixed chat response and records requests.
type stubChatter struct {
	mu   sync.Mutex
	resp *nbi.ChatResponse
	reqs []*nbi.ChatRequest
}

func (s *stubChatter) Dispatch(_ context.Context, req *nbi.ChatRequest) *nbi.ChatResponse {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return s.resp
}

func (s *stubChatter) Close() {}

// stubAuth exposes scripted auth state.
type stubAuth struct {
	mu        sync.Mutex
	state     auth.State
	challenge *nbi.LoginChallenge
	logoutErr error
	logouts   int
}

func (s *stubAuth) State() auth.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubAuth) Challenge() *nbi.LoginChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

func (s *stubAuth) Close() {}

func (s *stubAuth) Logout(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	if s.logoutErr == nil {
		s.state = auth.State{}
		s.challenge = nil
	}
	return s.logoutErr
}

func (s *stubAuth) set(state auth.State, challenge *nbi.LoginChallenge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.challenge = challenge
}

func (s *stubAuth) logoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

var testSocketCounter atomic.Int64

func emptyCompleter() *stubCompleter {
	return &stubCompleter{resp: &nbi.Response{Items: []nbi.Completion{}}}
}

func newTestServer(t *testing.T, completer Completer, chatter Chatter, session Authenticator) *Server {
	t.Helper()
	// Use /tmp directly to avoid macOS 104-char Unix socket path limit
	n := testSocketCounter.Add(1)
	sockPath := fmt.Sprintf("/tmp/nbi-t%d.sock", n)
	srv, err := NewServerWith(sockPath, completer, chatter, session)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	go srv.Serve()
	return srv
}

func roundTrip(t *testing.T, sockPath string, payload any) []byte {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	conn.Write(append(data, '\n'))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatal("no response from server")
	}
	out := make([]byte, len(scanner.Bytes()))
	copy(out, scanner.Bytes())
	return out
}

func sendRequest(t *testing.T, sockPath string, req *nbi.Request) *nbi.Response {
	t.Helper()
	var resp nbi.Response
	if err := json.Unmarshal(roundTrip(t, sockPath, req), &resp); err != nil {
		t.Fatal(err)
	}
	return &resp
}

func sendStatusRequest(t *testing.T, sockPath string, reqType string) *nbi.StatusResponse {
	t.Helper()
	var resp nbi.StatusResponse
	if err := json.Unmarshal(roundTrip(t, sockPath, &nbi.StatusRequest{Type: reqType}), &resp); err != nil {
		t.Fatal(err)
	}
	return &resp
}

func TestHandleConnEchoesRequestID(t *testing.T) {
	srv := newTestServer(t, emptyCompleter(), nil, nil)

	resp := sendRequest(t, srv.sockPath, &nbi.Request{
		RequestID:  "req-17",
		SessionID:  "s1",
		Cells:      []nbi.Cell{{Type: nbi.CellTypeCode, Source: "a = 1"}},
		ActiveCell: 0,
		CursorPos:  5,
	})

	if resp.RequestID != "req-17" {
		t.Errorf("expected request_id req-17, got %q", resp.RequestID)
	}
}

func TestHandleConnItemsNotNull(t *testing.T) {
	srv := newTestServer(t, emptyCompleter(), nil, nil)

	raw := string(roundTrip(t, srv.sockPath, &nbi.Request{RequestID: "r1", ActiveCell: -1}))
	if !strings.Contains(raw, `"items":[]`) {
		t.Errorf("expected items:[] in raw JSON, got %s", raw)
	}
}

// slowCompleter blocks until its context is cancelled.
type slowCompleter struct {
	mu        sync.Mutex
	cancelled []string // request IDs whose contexts were cancelled
}

func (s *slowCompleter) Complete(ctx context.Context, req *nbi.Request) *nbi.Response {
	<-ctx.Done()
	s.mu.Lock()
	s.cancelled = append(s.cancelled, req.RequestID)
	s.mu.Unlock()
	return &nbi.Response{Items: []nbi.Completion{}}
}

func (s *slowCompleter) Close() {}

func TestHandleConnCancelsOldSession(t *testing.T) {
	slow := &slowCompleter{}
	srv := newTestServer(t, slow, nil, nil)

	// Send first request (will block in Complete until cancelled).
	conn1, err := net.Dial("unix", srv.sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn1.Close()

	req1, _ := json.Marshal(&nbi.Request{RequestID: "r1", SessionID: "sess1", ActiveCell: -1})
	conn1.Write(append(req1, '\n'))

	// Give the server time to start processing req1.
	time.Sleep(50 * time.Millisecond)

	// Send second request for the same session — should cancel req1.
	conn2, err := net.Dial("unix", srv.sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()

	req2, _ := json.Marshal(&nbi.Request{RequestID: "r2", SessionID: "sess1", ActiveCell: -1})
	conn2.Write(append(req2, '\n'))

	// Give the server time to cancel req1 and start processing req2.
	time.Sleep(50 * time.Millisecond)

	slow.mu.Lock()
	found := false
	for _, id := range slow.cancelled {
		if id == "r1" {
			found = true
			break
		}
	}
	slow.mu.Unlock()

	if !found {
		t.Error("expected request r1 to be cancelled when r2 arrived for the same session")
	}
}

func TestHandleConnRoutesChat(t *testing.T) {
	chatter := &stubChatter{resp: &nbi.ChatResponse{Message: "hello from the model"}}
	srv := newTestServer(t, emptyCompleter(), chatter, nil)

	var resp nbi.ChatResponse
	raw := roundTrip(t, srv.sockPath, &nbi.ChatRequest{
		Type:       "chat",
		Prompt:     "what is a dataframe?",
		ActiveCell: -1,
	})
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Message != "hello from the model" {
		t.Errorf("unexpected chat message %q", resp.Message)
	}

	chatter.mu.Lock()
	defer chatter.mu.Unlock()
	if len(chatter.reqs) != 1 || chatter.reqs[0].Prompt != "what is a dataframe?" {
		t.Errorf("chat request not forwarded: %+v", chatter.reqs)
	}
}

func TestHandleConnStatus(t *testing.T) {
	session := &stubAuth{
		state: auth.State{Authenticated: false, LoginRequested: true},
		challenge: &nbi.LoginChallenge{
			VerificationURI: "https://github.com/login/device",
			UserCode:        "ABCD-1234",
		},
	}
	srv := newTestServer(t, emptyCompleter(), nil, session)

	resp := sendStatusRequest(t, srv.sockPath, "status")
	if resp.LoggedIn {
		t.Error("expected logged_in=false")
	}
	if !resp.LoginRequested {
		t.Error("expected login_requested=true")
	}
	if resp.VerificationURI != "https://github.com/login/device" || resp.UserCode != "ABCD-1234" {
		t.Errorf("challenge not exposed: %+v", resp)
	}
}

func TestHandleConnStatusLoggedIn(t *testing.T) {
	session := &stubAuth{state: auth.State{Authenticated: true}}
	srv := newTestServer(t, emptyCompleter(), nil, session)

	resp := sendStatusRequest(t, srv.sockPath, "status")
	if !resp.LoggedIn {
		t.Error("expected logged_in=true")
	}
	if resp.VerificationURI != "" || resp.UserCode != "" {
		t.Errorf("expected no challenge when authenticated: %+v", resp)
	}
}

func TestHandleConnStatusNoSession(t *testing.T) {
	srv := newTestServer(t, emptyCompleter(), nil, nil)

	resp := sendStatusRequest(t, srv.sockPath, "status")
	if resp.Error == nil || resp.Error.Code != "not_configured" {
		t.Errorf("expected not_configured, got %+v", resp.Error)
	}
}

func TestHandleConnLogout(t *testing.T) {
	session := &stubAuth{state: auth.State{Authenticated: true}}
	srv := newTestServer(t, emptyCompleter(), nil, session)

	resp := sendStatusRequest(t, srv.sockPath, "logout")
	if session.logoutCount() != 1 {
		t.Errorf("expected 1 logout call, got %d", session.logoutCount())
	}
	if resp.LoggedIn {
		t.Error("expected logged_in=false after logout")
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %+v", resp.Error)
	}
}

func sendConfigRequest(t *testing.T, sockPath string, req *nbi.ConfigRequest) *nbi.ConfigResponse {
	t.Helper()
	var resp nbi.ConfigResponse
	if err := json.Unmarshal(roundTrip(t, sockPath, req), &resp); err != nil {
		t.Fatal(err)
	}
	return &resp
}

func TestConfigDefaultsAction(t *testing.T) {
	srv := newTestServer(t, emptyCompleter(), nil, nil)

	resp := sendConfigRequest(t, srv.sockPath, &nbi.ConfigRequest{Action: "defaults"})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	if resp.Config == nil {
		t.Fatal("expected non-nil config")
	}
	if resp.Config.Backend.Language == "" {
		t.Error("expected non-empty language")
	}
	if resp.Config.Embedding.Model == "" {
		t.Error("expected non-empty embedding model")
	}
}

func TestConfigDefaultPromptAction(t *testing.T) {
	srv := newTestServer(t, emptyCompleter(), nil, nil)

	resp := sendConfigRequest(t, srv.sockPath, &nbi.ConfigRequest{Action: "default_prompt"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %s", resp.Error.Message)
	}
	if !strings.Contains(resp.Prompt, "{{.Language}}") {
		t.Errorf("expected preamble template, got %q", resp.Prompt)
	}
}

func TestConfigUnknownAction(t *testing.T) {
	srv := newTestServer(t, emptyCompleter(), nil, nil)

	resp := sendConfigRequest(t, srv.sockPath, &nbi.ConfigRequest{Action: "bogus"})
	if resp.Error == nil || resp.Error.Code != "unknown_action" {
		t.Errorf("expected unknown_action, got %+v", resp.Error)
	}
}

// blockingCompleter signals when Complete is entered and waits for release
// before answering.
type blockingCompleter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCompleter) Complete(_ context.Context, _ *nbi.Request) *nbi.Response {
	close(b.entered)
	<-b.release
	return &nbi.Response{Items: []nbi.Completion{{InsertText: "from old engine"}}}
}

func (b *blockingCompleter) Close() {}

func TestConfigReloadDuringInFlightCompletion(t *testing.T) {
	t.Setenv("NBI_CONFIG_DIR", t.TempDir())

	blocking := &blockingCompleter{entered: make(chan struct{}), release: make(chan struct{})}
	srv := newTestServer(t, blocking, &stubChatter{resp: &nbi.ChatResponse{}}, nil)

	conn, err := net.Dial("unix", srv.sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, _ := json.Marshal(&nbi.Request{RequestID: "r1", SessionID: "sA", ActiveCell: -1})
	conn.Write(append(req, '\n'))

	select {
	case <-blocking.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never started")
	}

	// Swap the collaborators while the completion is still in flight.
	reload := sendConfigRequest(t, srv.sockPath, &nbi.ConfigRequest{Action: "reload"})
	if reload.Error != nil {
		t.Fatalf("reload failed: %+v", reload.Error)
	}

	close(blocking.release)

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatal("no completion response after reload")
	}
	var resp nbi.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestID != "r1" {
		t.Errorf("expected request_id r1, got %q", resp.RequestID)
	}
	if len(resp.Items) != 1 || resp.Items[0].InsertText != "from old engine" {
		t.Errorf("in-flight request did not finish on the old engine: %+v", resp.Items)
	}

	// The swapped-in engine serves later requests. An empty document skips
	// the backend, so this stays local.
	resp2 := sendRequest(t, srv.sockPath, &nbi.Request{RequestID: "r2", SessionID: "sB", ActiveCell: -1})
	if resp2.RequestID != "r2" {
		t.Errorf("expected request_id r2 from reloaded engine, got %q", resp2.RequestID)
	}
}
