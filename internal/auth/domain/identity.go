package domain

import (
	"strings"
	"time"
)

type Identity struct {
	ID                 string
	Username           string // as typed at registration
	NormalizedUsername string // lookup key, see NormalizeUsername
	Email              string
	PasswordHash       string // PHC encoded (argon2id) or a legacy format
	LockoutEnabled     bool
	AccessFailedCount  int
	FailureWindowStart *time.Time
	LockoutEnd         *time.Time
	TOTPSecret         *string // base32, nil when not enrolled
	ConcurrencyStamp   string  // changes on every write, used for compare-and-swap
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NormalizeUsername is the case-insensitive lookup form of a username.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsLockedOut reports whether the identity is refused sign-in at now.
// Identities with lockout disabled are never locked out.
func (i Identity) IsLockedOut(now time.Time) bool {
	return i.LockoutEnabled && i.LockoutEnd != nil && now.Before(*i.LockoutEnd)
}

func (i Identity) HasTOTP() bool {
	return i.TOTPSecret != nil && *i.TOTPSecret != ""
}

// LockoutState is the mutable lockout bookkeeping of an identity.
type LockoutState struct {
	AccessFailedCount  int
	FailureWindowStart *time.Time
	LockoutEnd         *time.Time
}

func (i Identity) LockoutState() LockoutState {
	return LockoutState{
		AccessFailedCount:  i.AccessFailedCount,
		FailureWindowStart: i.FailureWindowStart,
		LockoutEnd:         i.LockoutEnd,
	}
}

func (i *Identity) ApplyLockoutState(st LockoutState) {
	i.AccessFailedCount = st.AccessFailedCount
	i.FailureWindowStart = st.FailureWindowStart
	i.LockoutEnd = st.LockoutEnd
}

// LockoutPolicy controls when failed sign-ins lock an identity out.
type LockoutPolicy struct {
	MaxFailures     int
	FailureWindow   time.Duration // failures older than this no longer count
	LockoutDuration time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxFailures:     5,
		FailureWindow:   15 * time.Minute,
		LockoutDuration: 15 * time.Minute,
	}
}
