package domain

import "fmt"

type GrantType string

const (
	GrantTypePassword     GrantType = "password"
	GrantTypeRefreshToken GrantType = "refresh_token"
)

// GrantRequest is a parsed token endpoint request. It only lives for the
// duration of the request.
type GrantRequest struct {
	GrantType    GrantType
	Username     string
	Password     string
	RefreshToken string
	OTP          string
	Scopes       []string
	RemoteIP     string
	UserAgent    string
}

// GrantState is a step of grant processing.
type GrantState int

const (
	GrantReceived GrantState = iota
	GrantAuthenticating
	GrantAuthenticated
	GrantRejected
	GrantIssuing
	GrantCompleted
)

var grantStateNames = [...]string{
	GrantReceived:       "received",
	GrantAuthenticating: "authenticating",
	GrantAuthenticated:  "authenticated",
	GrantRejected:       "rejected",
	GrantIssuing:        "issuing",
	GrantCompleted:      "completed",
}

func (s GrantState) String() string {
	if s >= 0 && int(s) < len(grantStateNames) {
		return grantStateNames[s]
	}
	return fmt.Sprintf("GrantState(%d)", int(s))
}

// IsTerminal reports whether no further transition is allowed.
func (s GrantState) IsTerminal() bool {
	return s == GrantRejected || s == GrantCompleted
}
