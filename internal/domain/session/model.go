package session

import (
	"bytes"
	"encoding/json"
	"errors"
)

// StoreKey is the fixed name the session is persisted under.
const StoreKey = "auth"

var ErrNoSession = errors.New("no session")

// Role is the authenticated principal's role. The zero value means the
// role could not be determined.
type Role string

const (
	RoleUnknown Role = ""
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// MarshalJSON encodes RoleUnknown as null.
func (r Role) MarshalJSON() ([]byte, error) {
	if r == RoleUnknown {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

func (r *Role) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*r = RoleUnknown
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = Role(s)
	return nil
}

// State is where the session flow currently stands.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateRoleKnown       State = "role_known"
	StateRoleUnknown     State = "role_unknown"
)

// AuthSession is the persisted login. User, Profile and Session are the
// backend's records passed through untouched.
type AuthSession struct {
	User    json.RawMessage `json:"user"`
	Profile json.RawMessage `json:"profile"`
	Role    Role            `json:"role"`
	Session json.RawMessage `json:"session"`
}

// AccessToken returns session.access_token, or "" when absent.
func (s *AuthSession) AccessToken() string {
	if s == nil || len(s.Session) == 0 {
		return ""
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(s.Session, &tok); err != nil {
		return ""
	}
	return tok.AccessToken
}

// Outcome is what login and registration answer with.
type Outcome struct {
	Session  *AuthSession `json:"session"`
	Role     Role         `json:"role"`
	Redirect string       `json:"redirect"`
}
