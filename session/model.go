package session

import (
	"strconv"
	"time"
)

// State is the lifecycle position of a session. Expired and Revoked are
// terminal.
type State int

const (
	StateActive State = iota
	StateExpired
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Session is one authenticated login and its refresh chain position.
type Session struct {
	ID       string
	UserID   string
	FamilyID string

	IssuedAt  time.Time
	LastSeen  time.Time
	ExpiresAt time.Time
	// AuthTime is when the user last presented credentials. Refreshes carry
	// it forward and it bounds the absolute lifetime.
	AuthTime time.Time

	ClientIP string
	// Location is empty while unknown.
	Location string

	Revoked     bool
	RefreshHash string
}

// State reports the session state at now. Revocation wins over expiry.
func (s *Session) State(now time.Time) State {
	switch {
	case s.Revoked:
		return StateRevoked
	case now.After(s.ExpiresAt):
		return StateExpired
	default:
		return StateActive
	}
}

// hash field names
const (
	fieldUser     = "uid"
	fieldIssued   = "iat"
	fieldSeen     = "seen"
	fieldExpires  = "exp"
	fieldAuth     = "auth"
	fieldIP       = "ip"
	fieldLocation = "loc"
	fieldRevoked  = "rev"
	fieldRefresh  = "rh"
	fieldFamily   = "fam"
)

func (s *Session) fields() map[string]interface{} {
	rev := "0"
	if s.Revoked {
		rev = "1"
	}
	return map[string]interface{}{
		fieldUser:     s.UserID,
		fieldIssued:   s.IssuedAt.UnixMilli(),
		fieldSeen:     s.LastSeen.UnixMilli(),
		fieldExpires:  s.ExpiresAt.UnixMilli(),
		fieldAuth:     s.AuthTime.UnixMilli(),
		fieldIP:       s.ClientIP,
		fieldLocation: s.Location,
		fieldRevoked:  rev,
		fieldRefresh:  s.RefreshHash,
		fieldFamily:   s.FamilyID,
	}
}

// fromFields rebuilds a Session. ok is false when required fields are missing.
func fromFields(id string, f map[string]string) (*Session, bool) {
	uid := f[fieldUser]
	if uid == "" {
		return nil, false
	}
	exp, ok := millis(f[fieldExpires])
	if !ok {
		return nil, false
	}
	iat, _ := millis(f[fieldIssued])
	seen, _ := millis(f[fieldSeen])
	auth, ok := millis(f[fieldAuth])
	if !ok {
		auth = iat
	}
	return &Session{
		ID:          id,
		UserID:      uid,
		FamilyID:    f[fieldFamily],
		IssuedAt:    iat,
		LastSeen:    seen,
		ExpiresAt:   exp,
		AuthTime:    auth,
		ClientIP:    f[fieldIP],
		Location:    f[fieldLocation],
		Revoked:     f[fieldRevoked] == "1",
		RefreshHash: f[fieldRefresh],
	}, true
}

func millis(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(n), true
}
