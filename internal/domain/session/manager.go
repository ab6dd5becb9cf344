package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

// Authenticator is the subset of the backend client used for auth.
type Authenticator interface {
	Login(ctx context.Context, p apiclient.LoginPayload) (apiclient.AuthResponse, error)
	Register(ctx context.Context, p apiclient.RegisterPayload) (apiclient.AuthResponse, error)
	SetAccessToken(token string)
}

// Manager drives Unauthenticated -> Authenticating -> RoleKnown|RoleUnknown
// and keeps the persisted session in step with memory.
type Manager struct {
	client Authenticator
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	state   State
	current *AuthSession
	resets  []func(context.Context)
}

// NewManager returns an unauthenticated manager persisting through store.
func NewManager(client Authenticator, store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		client: client,
		store:  store,
		logger: logger,
		now:    time.Now,
		state:  StateUnauthenticated,
	}
}

// OnReset registers fn to run whenever the signed-in user may change: on
// logout and before a new login or registration takes effect. Callers use
// it to drop per-user in-memory state.
func (m *Manager) OnReset(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, fn)
}

func (m *Manager) runResets(ctx context.Context) {
	m.mu.RLock()
	fns := append([]func(context.Context){}, m.resets...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// State returns where the manager is in the sign-in flow.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the in-memory session or ErrNoSession.
func (m *Manager) Current() (*AuthSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	s := *m.current
	return &s, nil
}

// Login authenticates and persists the resolved session.
func (m *Manager) Login(ctx context.Context, email, password string) (*Outcome, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, apiclient.NewValidationError("email", "Email and password are required.")
	}

	m.setState(StateAuthenticating)
	res, err := m.client.Login(ctx, apiclient.LoginPayload{Email: email, Password: password})
	if err != nil {
		m.setState(StateUnauthenticated)
		return nil, fmt.Errorf("login: %w", err)
	}

	sess := &AuthSession{
		User:    rawField(res, "user"),
		Profile: rawField(res, "profile"),
		Role:    ResolveRole(res),
		Session: rawField(res, "session"),
	}
	m.logger.Debug().Str("role", string(sess.Role)).Msg("login role resolved")
	return m.establish(ctx, sess)
}

// Register creates an account. Doctors must supply speciality, clinic name
// and experience. When the response carries no role the submitted one is
// kept, and a missing user is synthesized from auth_user_id.
func (m *Manager) Register(ctx context.Context, p apiclient.RegisterPayload) (*Outcome, error) {
	if strings.TrimSpace(p.Email) == "" || p.Password == "" {
		return nil, apiclient.NewValidationError("email", "Email and password are required.")
	}
	if p.Role == "" {
		p.Role = string(RolePatient)
	}
	if Role(p.Role) == RoleDoctor && (strings.TrimSpace(p.Speciality) == "" || strings.TrimSpace(p.ClinicName) == "" || p.Experience == nil) {
		return nil, apiclient.NewValidationError("doctor", "Please fill speciality, clinic name and experience for doctors.")
	}

	m.setState(StateAuthenticating)
	res, err := m.client.Register(ctx, p)
	if err != nil {
		m.setState(StateUnauthenticated)
		return nil, fmt.Errorf("register: %w", err)
	}

	role := Role(p.Role)
	if s, ok := res["role"].(string); ok {
		role = Role(s)
	}
	user := rawField(res, "user")
	if user == nil {
		if id, ok := res["auth_user_id"]; ok && id != nil {
			user, _ = json.Marshal(map[string]any{"id": id, "email": p.Email})
		}
	}
	sess := &AuthSession{
		User:    user,
		Profile: rawField(res, "profile"),
		Role:    role,
		Session: rawField(res, "session"),
	}
	return m.establish(ctx, sess)
}

func (m *Manager) establish(ctx context.Context, sess *AuthSession) (*Outcome, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if err := m.store.Save(ctx, data); err != nil {
		m.setState(StateUnauthenticated)
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.runResets(ctx)
	m.adopt(sess)
	return &Outcome{Session: sess, Role: sess.Role, Redirect: RedirectPath(sess.Role)}, nil
}

// Hydrate restores the persisted session. A missing or unreadable value, or
// one whose access token has expired, leaves the manager unauthenticated
// and returns ErrNoSession.
func (m *Manager) Hydrate(ctx context.Context) (*AuthSession, error) {
	data, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			m.logger.Warn().Err(err).Msg("session store unreadable, starting signed out")
		}
		m.reset()
		return nil, ErrNoSession
	}

	var sess AuthSession
	if err := json.Unmarshal(data, &sess); err != nil {
		m.logger.Warn().Err(err).Msg("stored session is corrupt, starting signed out")
		m.reset()
		return nil, ErrNoSession
	}
	if m.expired(sess.AccessToken()) {
		m.logger.Info().Msg("stored session expired")
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("clear expired session")
		}
		m.reset()
		return nil, ErrNoSession
	}

	m.adopt(&sess)
	out := sess
	return &out, nil
}

// Logout forgets the session and every reset hook's state locally. The
// backend session is not revoked.
func (m *Manager) Logout(ctx context.Context) error {
	m.reset()
	m.runResets(ctx)
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// expired reports whether token is a JWT whose exp claim has passed.
// Tokens that are not JWTs or carry no exp never expire here.
func (m *Manager) expired(token string) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(m.now())
}

func (m *Manager) adopt(sess *AuthSession) {
	m.mu.Lock()
	m.current = sess
	if sess.Role == RoleUnknown {
		m.state = StateRoleUnknown
	} else {
		m.state = StateRoleKnown
	}
	m.mu.Unlock()
	m.client.SetAccessToken(sess.AccessToken())
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.current = nil
	m.state = StateUnauthenticated
	m.mu.Unlock()
	m.client.SetAccessToken("")
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// rawField re-encodes res[key], returning nil when absent or null.
func rawField(res apiclient.AuthResponse, key string) json.RawMessage {
	v, ok := res[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
