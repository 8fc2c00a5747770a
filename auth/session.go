// Package auth maintains the device-login session with the assistance
// backend. A single Session instance owns the login flags, polls the
// backend's login status on a fixed interval, and triggers the device-code
// flow exactly once per unauthenticated period.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	nbi "github.com/datalayer-externals/notebook-intelligence"
	"github.com/datalayer-externals/notebook-intelligence/backend"
)

// DefaultPollInterval is the fixed status check period. Independent of prior
// call outcome or latency: no backoff, no jitter.
const DefaultPollInterval = 5 * time.Second

// State is a copy of the session flags.
type State struct {
	// LoginRequested is true once a device login has been triggered for the
	// current unauthenticated period.
	LoginRequested bool
	// Authenticated mirrors the backend's login status as of the last
	// successful poll.
	Authenticated bool
}

// Session owns the authentication state. All mutation happens through
// CheckStatus and Logout; everything else reads copies.
type Session struct {
	transport backend.Transport
	interval  time.Duration
	notify    func(nbi.LoginChallenge)

	mu        sync.Mutex
	state     State
	challenge *nbi.LoginChallenge
	inFlight  bool

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewSession creates a session in the unchecked state. notify, when non-nil,
// receives the device login challenge for out-of-band user display.
func NewSession(transport backend.Transport, interval time.Duration, notify func(nbi.LoginChallenge)) *Session {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Session{
		transport: transport,
		interval:  interval,
		notify:    notify,
		stopCh:    make(chan struct{}),
	}
}

// Run performs an immediate status check, then rechecks on the fixed
// interval until Close is called or ctx is cancelled. It blocks; callers
// run it in a goroutine.
func (s *Session) Run(ctx context.Context) {
	s.CheckStatus(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckStatus(ctx)
		}
	}
}

// CheckStatus polls the backend once and advances the state machine.
// A call that overlaps a still-running check is skipped. Any transport
// failure leaves the state unchanged; the next tick retries.
func (s *Session) CheckStatus(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	loggedIn, err := s.transport.LoginStatus(ctx)
	if err != nil {
		slog.Warn("login status check failed", "error", err)
		return
	}

	s.mu.Lock()
	wasAuthenticated := s.state.Authenticated
	s.state.Authenticated = loggedIn
	if loggedIn {
		s.challenge = nil
		s.mu.Unlock()
		return
	}
	// A session that was authenticated and no longer is starts a new
	// unauthenticated period: the login trigger re-arms.
	if wasAuthenticated {
		s.state.LoginRequested = false
	}
	needLogin := !s.state.LoginRequested
	s.mu.Unlock()

	if !needLogin {
		return
	}
	s.beginLogin(ctx)
}

// beginLogin requests a device-code challenge and surfaces it to the user.
// It does not poll for the user completing verification; the next scheduled
// status check discovers success. On failure LoginRequested stays false so
// the next tick retries.
func (s *Session) beginLogin(ctx context.Context) {
	challenge, err := s.transport.BeginLogin(ctx)
	if err != nil {
		slog.Warn("device login request failed", "error", err)
		return
	}

	s.mu.Lock()
	s.state.LoginRequested = true
	s.challenge = challenge
	s.mu.Unlock()

	slog.Info("device login started",
		"verification_uri", challenge.VerificationURI,
		"user_code", challenge.UserCode,
	)
	if s.notify != nil {
		s.notify(*challenge)
	}
}

// Logout clears the backend-side session and resets the local state so a
// later status check can trigger a fresh login.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.transport.Logout(ctx); err != nil {
		slog.Warn("logout failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.state = State{}
	s.challenge = nil
	s.mu.Unlock()
	return nil
}

// State returns a copy of the session flags.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Challenge returns the pending device login challenge, or nil when no login
// is pending.
func (s *Session) Challenge() *nbi.LoginChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challenge == nil {
		return nil
	}
	c := *s.challenge
	return &c
}

// Close stops the polling loop. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
}
