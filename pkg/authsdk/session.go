package authsdk

import (
	"context"
	"sync"
	"time"
)

// refreshSkew refreshes access tokens this long before they expire.
const refreshSkew = 30 * time.Second

// Session holds a token pair and transparently follows refresh rotation.
// It is safe for concurrent use; concurrent callers share one refresh.
type Session struct {
	client *Client
	now    func() time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	scope        string
	expiresAt    time.Time
}

// Login performs a password grant and wraps the result in a Session.
func (c *Client) Login(ctx context.Context, username, password string, scopes ...string) (*Session, error) {
	tok, err := c.PasswordGrant(ctx, username, password, "", scopes...)
	if err != nil {
		return nil, err
	}
	return c.NewSession(tok), nil
}

func (c *Client) NewSession(tok *TokenResponse) *Session {
	s := &Session{client: c, now: time.Now}
	s.apply(tok)
	return s
}

func (s *Session) apply(tok *TokenResponse) {
	s.accessToken = tok.AccessToken
	s.refreshToken = tok.RefreshToken
	s.scope = tok.Scope
	s.expiresAt = s.now().Add(time.Duration(tok.ExpiresIn)*time.Second - refreshSkew)
}

// AccessToken returns a usable access token, refreshing first if needed.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Before(s.expiresAt) {
		return s.accessToken, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.accessToken, nil
}

// Refresh forces a refresh grant.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Session) refreshLocked(ctx context.Context) error {
	tok, err := s.client.RefreshGrant(ctx, s.refreshToken)
	if err != nil {
		return err
	}
	s.apply(tok)
	return nil
}

func (s *Session) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken
}

func (s *Session) UserInfo(ctx context.Context) (*UserInfoResponse, error) {
	tok, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.client.UserInfo(ctx, tok)
}

// Logout revokes the session's refresh token.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.client.Logout(ctx, s.refreshToken); err != nil {
		return err
	}
	s.accessToken, s.refreshToken = "", ""
	s.expiresAt = time.Time{}
	return nil
}
