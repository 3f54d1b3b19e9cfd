package authcore

import (
	"time"

	"github.com/campusdesk/authcore/graph"
	"github.com/campusdesk/authcore/session"
)

// Scope and Assignment are re-exported so callers of the Engine need not
// import the graph package.
type (
	Scope      = graph.Scope
	Assignment = graph.Assignment
)

// Universal is the unqualified scope.
func Universal() Scope { return graph.Universal() }

// ScopeOf returns a qualified scope; an empty value yields Universal.
func ScopeOf(value string) Scope { return graph.ScopeOf(value) }

// Principal is an authenticated caller: a user acting through one active
// session.
type Principal struct {
	UserID    string
	SessionID string
	ClientIP  string
	ExpiresAt time.Time
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	SessionExpiresAt time.Time `json:"sessionExpiresAt"`
}

// Grants is the effective authorization of a user in one scope.
type Grants struct {
	UserID      string   `json:"userId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Scope       string   `json:"scope,omitempty"`
}

// SessionInfo is the caller-visible view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	IssuedAt  time.Time `json:"issuedAt"`
	LastSeen  time.Time `json:"lastSeen"`
	ExpiresAt time.Time `json:"expiresAt"`
	ClientIP  string    `json:"clientIp,omitempty"`
	Location  string    `json:"location,omitempty"`
	Current   bool      `json:"current"`
}

func sessionInfo(s *session.Session, currentID string) SessionInfo {
	return SessionInfo{
		ID:        s.ID,
		IssuedAt:  s.IssuedAt,
		LastSeen:  s.LastSeen,
		ExpiresAt: s.ExpiresAt,
		ClientIP:  s.ClientIP,
		Location:  s.Location,
		Current:   s.ID == currentID,
	}
}
