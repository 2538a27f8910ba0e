package possync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// tokenMetadataKey is where the session token is persisted across restarts.
const tokenMetadataKey = "session_token"

// Authenticator is the remote side of authentication.
// VerifyToken must return VerifyInconclusive when it cannot reach a verdict.
type Authenticator interface {
	Login(ctx context.Context, identity, secret string) (string, error)
	VerifyToken(ctx context.Context, token string) VerifyResult
}

// IdentityProvider supplies the identity the engine syncs under.
type IdentityProvider interface {
	// EnsureIdentity returns usable credentials or ErrNoIdentity.
	EnsureIdentity(ctx context.Context) (Credentials, error)
	// HandleAuthExpired is called after the server rejected the current
	// credentials. It returns the identity to retry with.
	HandleAuthExpired(ctx context.Context) (Credentials, error)
}

// TokenStore persists the session token. *Store satisfies it.
type TokenStore interface {
	GetMetadata(key string) (string, error)
	SetMetadata(key, value string) error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Identity and Secret drive the automatic login.
	Identity string
	Secret   string

	// BranchID and DeviceID are sent as fallback identity headers.
	BranchID      string
	DeviceID      string
	AllowFallback bool

	Clock  func() time.Time
	Logger *zap.Logger
}

// Session holds the credential used by the remote client and decides when
// to fall back to branch/device identity.
//
// The automatic login runs at most once per process. Only a definite
// rejection of a held token re-arms it.
type Session struct {
	auth   Authenticator
	tokens TokenStore
	cfg    SessionConfig
	now    func() time.Time
	logger *zap.Logger

	mu             sync.Mutex
	token          string
	loginAttempted bool
}

// NewSession creates a session coordinator. auth and tokens may be nil.
func NewSession(auth Authenticator, tokens TokenStore, cfg SessionConfig) *Session {
	s := &Session{
		auth:   auth,
		tokens: tokens,
		cfg:    cfg,
		now:    cfg.Clock,
		logger: cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Load restores a persisted token.
func (s *Session) Load() error {
	if s.tokens == nil {
		return nil
	}
	token, err := s.tokens.GetMetadata(tokenMetadataKey)
	if err != nil {
		return fmt.Errorf("session: load token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// Credentials returns the identity requests should carry right now.
// It never touches the network.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentialsLocked()
}

func (s *Session) credentialsLocked() Credentials {
	if s.token != "" {
		return Credentials{Mode: IdentityBearer, Token: s.token}
	}
	if s.fallbackAvailable() {
		return Credentials{Mode: IdentityFallback, BranchID: s.cfg.BranchID, DeviceID: s.cfg.DeviceID}
	}
	return Credentials{Mode: IdentityNone}
}

func (s *Session) fallbackAvailable() bool {
	return s.cfg.AllowFallback && (s.cfg.BranchID != "" || s.cfg.DeviceID != "")
}

// Mode returns the current identity mode.
func (s *Session) Mode() IdentityMode {
	return s.Credentials().Mode
}

// HasCredential reports whether a bearer token is held.
func (s *Session) HasCredential() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

// Verify checks the held token. An inconclusive result leaves the token in
// place; a definite invalid clears it and allows one more automatic login.
func (s *Session) Verify(ctx context.Context) VerifyResult {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token == "" {
		return VerifyInvalid
	}
	if tokenExpired(token, s.now()) {
		s.invalidate(token, "token expired")
		return VerifyInvalid
	}
	if s.auth == nil {
		return VerifyInconclusive
	}

	result := s.auth.VerifyToken(ctx, token)
	if result == VerifyInvalid {
		s.invalidate(token, "token rejected by server")
	}
	s.logger.Debug("token verified", zap.Stringer("result", result))
	return result
}

// EnsureIdentity returns bearer credentials when a token is held or the
// automatic login succeeds, otherwise fallback credentials when allowed.
func (s *Session) EnsureIdentity(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token != "" {
		if !tokenExpired(token, s.now()) {
			return Credentials{Mode: IdentityBearer, Token: token}, nil
		}
		s.invalidate(token, "token expired")
	}

	if err := s.autoLogin(ctx); err != nil {
		s.logger.Warn("automatic login failed", zap.Error(err))
	}

	creds := s.Credentials()
	if creds.Mode == IdentityNone {
		return creds, ErrNoIdentity
	}
	return creds, nil
}

// HandleAuthExpired drops the rejected token and returns the identity to
// retry with.
func (s *Session) HandleAuthExpired(ctx context.Context) (Credentials, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token != "" {
		s.invalidate(token, "server rejected token")
	}
	return s.EnsureIdentity(ctx)
}

// Login authenticates explicitly and stores the resulting token. It does not
// consume the automatic login attempt.
func (s *Session) Login(ctx context.Context, identity, secret string) error {
	if s.auth == nil {
		return ErrOffline
	}
	token, err := s.auth.Login(ctx, identity, secret)
	if err != nil {
		return fmt.Errorf("session: login: %w", err)
	}
	return s.setToken(token)
}

// Logout forgets the held token.
func (s *Session) Logout() error {
	return s.setToken("")
}

func (s *Session) autoLogin(ctx context.Context) error {
	s.mu.Lock()
	if s.token != "" || s.loginAttempted || s.auth == nil || s.cfg.Identity == "" || s.cfg.Secret == "" {
		s.mu.Unlock()
		return nil
	}
	s.loginAttempted = true
	s.mu.Unlock()

	token, err := s.auth.Login(ctx, s.cfg.Identity, s.cfg.Secret)
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("server returned an empty token")
	}
	s.logger.Info("session established", zap.String("identity", s.cfg.Identity))
	return s.setToken(token)
}

// invalidate clears token if it is still the held one and re-arms the
// automatic login.
func (s *Session) invalidate(token, reason string) {
	s.mu.Lock()
	if s.token != token {
		s.mu.Unlock()
		return
	}
	s.token = ""
	s.loginAttempted = false
	s.mu.Unlock()

	s.logger.Info("session token discarded", zap.String("reason", reason))
	if s.tokens != nil {
		if err := s.tokens.SetMetadata(tokenMetadataKey, ""); err != nil {
			s.logger.Warn("failed to clear persisted token", zap.Error(err))
		}
	}
}

func (s *Session) setToken(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if s.tokens == nil {
		return nil
	}
	if err := s.tokens.SetMetadata(tokenMetadataKey, token); err != nil {
		return fmt.Errorf("session: persist token: %w", err)
	}
	return nil
}

// tokenExpired reports whether token is a JWT whose exp claim has passed.
// Opaque tokens never expire locally.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
