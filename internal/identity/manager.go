package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/apperror"
)

const (
	MessageNotSignedIn       = "you are not signed in"
	MessageSessionExpired    = "your session has expired, please sign in again"
	MessageCredentials       = "username and password are required"
	MessageRegistrationInput = "username, password and email are required"
	MessageUsernameRequired  = "username is required"

	defaultRefreshSkew = 30 * time.Second
)

// Manager owns the session of one signed-in user. It is initialised
// explicitly with Init or SignIn and torn down with SignOut or Clear.
type Manager struct {
	provider    Provider
	logger      *zap.Logger
	now         func() time.Time
	refreshSkew time.Duration

	mu     sync.Mutex
	tokens *Tokens
	user   *User
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithNow replaces the time source used for expiry checks.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRefreshSkew sets how long before expiry tokens are refreshed.
func WithRefreshSkew(skew time.Duration) ManagerOption {
	return func(m *Manager) {
		if skew >= 0 {
			m.refreshSkew = skew
		}
	}
}

// NewManager returns a Manager with no active session.
func NewManager(provider Provider, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:    provider,
		logger:      logger.Named("identity"),
		now:         time.Now,
		refreshSkew: defaultRefreshSkew,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init restores a session from previously issued tokens. Nil tokens leave the
// manager signed out. Expired tokens are refreshed before the user is looked up.
func (m *Manager) Init(ctx context.Context, tokens *Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens, m.user = nil, nil
	if tokens == nil || (tokens.AccessToken == "" && tokens.RefreshToken == "") {
		return nil
	}

	restored := withExpiry(&Tokens{
		AccessToken:  tokens.AccessToken,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
	})
	if restored.AccessToken == "" || m.expiring(restored) {
		if restored.RefreshToken == "" {
			return apperror.AuthFailure(MessageSessionExpired, nil)
		}
		refreshed, err := m.provider.Refresh(ctx, usernameHint(restored), restored.RefreshToken)
		if err != nil {
			return err
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = restored.RefreshToken
		}
		restored = withExpiry(refreshed)
	}

	user, err := m.provider.GetUser(ctx, restored.AccessToken)
	if err != nil {
		return err
	}
	m.tokens, m.user = restored, user
	m.logger.Info("session restored", zap.String("username", user.Username))
	return nil
}

// Register creates an account with the provider.
func (m *Manager) Register(ctx context.Context, params SignUpParams) (*SignUpResult, error) {
	params.Username = strings.TrimSpace(params.Username)
	params.Email = strings.TrimSpace(params.Email)
	if params.Username == "" || params.Password == "" || params.Email == "" {
		return nil, apperror.InvalidInput(MessageRegistrationInput)
	}

	result, err := m.provider.SignUp(ctx, params)
	if err != nil {
		m.logger.Warn("sign up rejected", zap.String("username", params.Username), zap.Error(err))
		return nil, err
	}
	m.logger.Info("account registered",
		zap.String("username", params.Username),
		zap.Bool("requires_verification", result.RequiresVerification),
	)
	return result, nil
}

// Confirm submits the emailed verification code for username.
func (m *Manager) Confirm(ctx context.Context, username, code string) error {
	username = strings.TrimSpace(username)
	code = strings.TrimSpace(code)
	if username == "" {
		return apperror.InvalidInput(MessageUsernameRequired)
	}
	if err := ValidateCode(code); err != nil {
		return err
	}
	if err := m.provider.ConfirmSignUp(ctx, username, code); err != nil {
		m.logger.Warn("confirmation rejected", zap.String("username", username), zap.Error(err))
		return err
	}
	m.logger.Info("account confirmed", zap.String("username", username))
	return nil
}

// SignIn authenticates and then looks up the signed-in user.
func (m *Manager) SignIn(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperror.InvalidInput(MessageCredentials)
	}

	tokens, err := m.provider.SignIn(ctx, username, password)
	if err != nil {
		m.logger.Warn("sign in rejected", zap.String("username", username), zap.Error(err))
		return nil, err
	}
	tokens = withExpiry(tokens)

	user, err := m.provider.GetUser(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if user.Username == "" {
		user.Username = username
	}

	m.mu.Lock()
	m.tokens, m.user = tokens, user
	m.mu.Unlock()

	m.logger.Info("signed in", zap.String("username", user.Username))
	u := *user
	return &u, nil
}

// SignOut ends the session with the provider. Local state is cleared even if
// the provider call fails.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	tokens, user := m.tokens, m.user
	m.tokens, m.user = nil, nil
	m.mu.Unlock()

	if tokens == nil {
		return nil
	}
	if err := m.provider.SignOut(ctx, tokens.AccessToken); err != nil {
		m.logger.Warn("provider sign out failed", zap.Error(err))
		return err
	}
	if user != nil {
		m.logger.Info("signed out", zap.String("username", user.Username))
	}
	return nil
}

// Clear drops the local session without contacting the provider.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.tokens, m.user = nil, nil
	m.mu.Unlock()
}

// CurrentUser returns the signed-in user, if any.
func (m *Manager) CurrentUser() (*User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil, false
	}
	u := *m.user
	return &u, true
}

// Authenticated reports whether a session is active.
func (m *Manager) Authenticated() bool {
	_, ok := m.CurrentUser()
	return ok
}

// Tokens returns a copy of the current token set.
func (m *Manager) Tokens() (*Tokens, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		return nil, false
	}
	t := *m.tokens
	return &t, true
}

// AccessToken returns a bearer token for outbound calls, refreshing it when it
// is about to expire. A failed refresh ends the session.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens == nil {
		return "", apperror.AuthFailure(MessageNotSignedIn, nil)
	}
	if !m.expiring(m.tokens) {
		return m.tokens.AccessToken, nil
	}
	if m.tokens.RefreshToken == "" {
		m.tokens, m.user = nil, nil
		return "", apperror.AuthFailure(MessageSessionExpired, nil)
	}

	username := usernameHint(m.tokens)
	if m.user != nil && m.user.Username != "" {
		username = m.user.Username
	}
	refreshed, err := m.provider.Refresh(ctx, username, m.tokens.RefreshToken)
	if err != nil {
		m.logger.Warn("token refresh failed", zap.String("username", username), zap.Error(err))
		if apperror.Is(err, apperror.KindAuthFailure) {
			m.tokens, m.user = nil, nil
		}
		return "", err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = m.tokens.RefreshToken
	}
	m.tokens = withExpiry(refreshed)
	m.logger.Debug("access token refreshed", zap.Time("expires_at", m.tokens.ExpiresAt))
	return m.tokens.AccessToken, nil
}

func (m *Manager) expiring(tokens *Tokens) bool {
	if tokens.ExpiresAt.IsZero() {
		return false
	}
	return !m.now().Add(m.refreshSkew).Before(tokens.ExpiresAt)
}

func usernameHint(tokens *Tokens) string {
	if claims, ok := parseAccessClaims(tokens.AccessToken); ok {
		if claims.Username != "" {
			return claims.Username
		}
		return claims.Subject
	}
	return ""
}
