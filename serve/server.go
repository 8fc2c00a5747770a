package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	nbi "github.com/datalayer-externals/notebook-intelligence"
	"github.com/datalayer-externals/notebook-intelligence/auth"
	"github.com/datalayer-externals/notebook-intelligence/backend"
	"github.com/datalayer-externals/notebook-intelligence/chat"
	"github.com/datalayer-externals/notebook-intelligence/complete"
	defaults "github.com/datalayer-externals/notebook-intelligence/default"
)

// Completer processes a completion request and returns a response.
type Completer interface {
	Complete(ctx context.Context, req *nbi.Request) *nbi.Response
	Close()
}

// Chatter processes a chat request and returns a response.
type Chatter interface {
	Dispatch(ctx context.Context, req *nbi.ChatRequest) *nbi.ChatResponse
	Close()
}

// Authenticator exposes the state of the background auth session.
type Authenticator interface {
	State() auth.State
	Challenge() *nbi.LoginChallenge
	Logout(ctx context.Context) error
	Close()
}

// sessionEntry tracks a cancellable in-flight request for a session.
type sessionEntry struct {
	requestID string
	cancel    context.CancelFunc
}

// Server listens on a Unix domain socket for editor requests.
type Server struct {
	listener net.Listener
	sockPath string
	engine   Completer
	chatter  Chatter
	session  Authenticator

	mu       sync.Mutex
	sessions map[string]sessionEntry
}

// NewServer creates an IPC server with the full production wiring: a
// completion engine, a chat dispatcher, and a polling auth session against
// the configured backend.
func NewServer(sockPath string) (*Server, error) {
	cfg, err := nbi.LoadConfig()
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		cfg = nbi.DefaultConfig()
	}

	var session Authenticator
	if baseURL := nbi.ResolveBackendBaseURL(cfg); baseURL != "" {
		transport := backend.NewClient(baseURL, nbi.ResolveBackendAPIKey(cfg))
		interval := time.Duration(cfg.Auth.PollSeconds) * time.Second
		as := auth.NewSession(transport, interval, logChallenge)
		go as.Run(context.Background())
		session = as
	}

	return NewServerWith(sockPath, complete.NewEngine(), chat.NewDispatcher(), session)
}

// NewServerWith creates an IPC server with custom collaborators.
func NewServerWith(sockPath string, completer Completer, chatter Chatter, session Authenticator) (*Server, error) {
	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		sockPath: sockPath,
		engine:   completer,
		chatter:  chatter,
		session:  session,
		sessions: make(map[string]sessionEntry),
	}, nil
}

// logChallenge surfaces a pending device login to the daemon log. The editor
// picks the same challenge up through status requests.
func logChallenge(ch nbi.LoginChallenge) {
	slog.Info("device login pending", "verification_uri", ch.VerificationURI, "user_code", ch.UserCode)
}

// Serve accepts connections and handles requests.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// completer returns the current completion engine. Config reloads swap the
// field, so handlers must not read it directly.
func (s *Server) completer() Completer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

func (s *Server) dispatcher() Chatter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatter
}

// Close shuts down the server, its collaborators, and removes the socket file.
func (s *Server) Close() {
	if engine := s.completer(); engine != nil {
		engine.Close()
	}
	if chatter := s.dispatcher(); chatter != nil {
		chatter.Close()
	}
	if s.session != nil {
		s.session.Close()
	}
	s.listener.Close()
	os.Remove(s.sockPath)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		return
	}

	raw := scanner.Bytes()
	slog.Debug("request", "data", string(raw))

	// Requests are discriminated by "type" (chat, status, logout) or
	// "action" (config); anything else is a completion request.
	var probe struct {
		Type   string `json:"type"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		slog.Warn("invalid request", "error", err)
		return
	}

	switch {
	case probe.Type == "chat":
		s.handleChatRequest(conn, raw)
	case probe.Type == "status":
		s.handleStatusRequest(conn, false)
	case probe.Type == "logout":
		s.handleStatusRequest(conn, true)
	case probe.Action != "":
		s.handleConfigRequest(conn, raw)
	default:
		s.handleCompletionRequest(conn, raw)
	}
}

func (s *Server) handleCompletionRequest(conn net.Conn, raw []byte) {
	req := nbi.Request{ActiveCell: -1}
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Warn("invalid completion request", "error", err)
		return
	}

	// Cancel any in-flight request for this session and create a new context.
	ctx, cancel := context.WithCancel(context.Background())
	sid := req.SessionID
	reqID := req.RequestID
	if sid != "" {
		s.mu.Lock()
		if prev, ok := s.sessions[sid]; ok {
			prev.cancel()
		}
		s.sessions[sid] = sessionEntry{requestID: reqID, cancel: cancel}
		s.mu.Unlock()
	}
	defer func() {
		cancel()
		if sid != "" {
			s.mu.Lock()
			if cur, ok := s.sessions[sid]; ok && cur.requestID == reqID {
				delete(s.sessions, sid)
			}
			s.mu.Unlock()
		}
	}()

	resp := s.completer().Complete(ctx, &req)

	// If cancelled, skip writing — the client has already moved on.
	if ctx.Err() != nil {
		return
	}

	resp.RequestID = req.RequestID
	s.writeJSON(conn, resp)
}

func (s *Server) handleChatRequest(conn net.Conn, raw []byte) {
	req := nbi.ChatRequest{ActiveCell: -1}
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Warn("invalid chat request", "error", err)
		return
	}

	chatter := s.dispatcher()
	if chatter == nil {
		s.writeJSON(conn, &nbi.ChatResponse{
			Error: &nbi.Error{Code: "not_configured", Message: "chat is not available"},
		})
		return
	}

	resp := chatter.Dispatch(context.Background(), &req)
	s.writeJSON(conn, resp)
}

func (s *Server) handleStatusRequest(conn net.Conn, logout bool) {
	var resp nbi.StatusResponse

	if s.session == nil {
		resp.Error = &nbi.Error{
			Code:    "not_configured",
			Message: "backend base URL not configured; set NBI_BACKEND_BASE_URL or edit config.json",
		}
		s.writeJSON(conn, &resp)
		return
	}

	if logout {
		if err := s.session.Logout(context.Background()); err != nil {
			resp.Error = &nbi.Error{Code: "api_error", Message: err.Error()}
		}
	}

	state := s.session.State()
	resp.LoggedIn = state.Authenticated
	resp.LoginRequested = state.LoginRequested
	if ch := s.session.Challenge(); ch != nil {
		resp.VerificationURI = ch.VerificationURI
		resp.UserCode = ch.UserCode
	}

	s.writeJSON(conn, &resp)
}

func (s *Server) handleConfigRequest(conn net.Conn, raw []byte) {
	var req nbi.ConfigRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Warn("invalid config request", "error", err)
		return
	}

	var resp nbi.ConfigResponse

	switch req.Action {
	case "get":
		cfg, err := nbi.LoadConfig()
		if err != nil {
			resp.Error = &nbi.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Config = cfg
		}

	case "reload":
		s.reloadEngine()
		cfg, _ := nbi.LoadConfig()
		resp.Config = cfg

	case "defaults":
		resp.Config = nbi.DefaultConfig()

	case "default_prompt":
		resp.Prompt = defaults.DefaultChatPrompt

	case "validate":
		cfg, err := nbi.LoadConfig()
		if err != nil {
			resp.Error = &nbi.Error{
				Code:    "config_error",
				Message: err.Error(),
			}
		} else {
			resp.Warnings = nbi.ValidateConfig(cfg)
		}

	default:
		resp.Error = &nbi.Error{
			Code:    "unknown_action",
			Message: "unknown config action: " + req.Action,
		}
	}

	s.writeJSON(conn, &resp)
}

// reloadEngine swaps the completion engine and chat dispatcher for fresh
// ones built from the on-disk config. The old collaborators are closed after
// the swap; Close only stops their background maintenance, so a request
// still finishing on one of them is unaffected.
func (s *Server) reloadEngine() {
	s.mu.Lock()
	oldEngine, oldChatter := s.engine, s.chatter
	s.engine = complete.NewEngine()
	s.chatter = chat.NewDispatcher()
	s.mu.Unlock()

	if oldEngine != nil {
		oldEngine.Close()
	}
	if oldChatter != nil {
		oldChatter.Close()
	}
	slog.Info("engine reloaded")
}

func (s *Server) writeJSON(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	slog.Debug("response", "data", string(data))

	conn.Write(append(data, '\n'))
}
