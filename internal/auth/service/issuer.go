package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/idx"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
)

// TokenIssuer mints signed access tokens and opaque refresh tokens.
type TokenIssuer struct {
	Store      store.Store
	Ring       *jwtx.KeyRing
	Issuer     string
	Audience   []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// IssueParams describe the grant a token pair is minted for.
type IssueParams struct {
	Identity domain.Identity
	Roles    []string
	Scopes   []string
	AMR      []string
	// SessionID and ParentID continue a rotation chain. A new session is
	// started when SessionID is empty.
	SessionID string
	ParentID  string
}

func (i *TokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue mints a pair and persists the refresh record in its own
// transaction. Nothing is persisted when ctx is cancelled before commit.
func (i *TokenIssuer) Issue(ctx context.Context, p IssueParams) (domain.TokenPair, error) {
	var pair domain.TokenPair
	err := i.Store.WithTx(ctx, func(tx store.Tx) (err error) {
		pair, _, err = i.IssueIn(ctx, tx, p)
		return err
	})
	if err != nil {
		return domain.TokenPair{}, err
	}
	return pair, nil
}

// IssueIn mints a pair and writes the refresh record through s, which is
// normally a transaction the caller commits.
func (i *TokenIssuer) IssueIn(ctx context.Context, s store.Store, p IssueParams) (domain.TokenPair, domain.RefreshToken, error) {
	now := i.now()
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = idx.New().String()
	}

	claims := jwtx.NewAccessClaims(jwtx.AccessParams{
		Subject:   p.Identity.ID,
		SessionID: sessionID,
		Username:  p.Identity.Username,
		Roles:     p.Roles,
		Scopes:    p.Scopes,
		AMR:       p.AMR,
		Issuer:    i.Issuer,
		Audience:  i.Audience,
		TTL:       i.accessTTL(),
		Now:       now,
	})
	access, _, err := i.Ring.Sign(claims)
	if err != nil {
		return domain.TokenPair{}, domain.RefreshToken{}, err
	}

	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return domain.TokenPair{}, domain.RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	rt := domain.RefreshToken{
		ID:         idx.NewAt(now).String(),
		IdentityID: p.Identity.ID,
		TokenHash:  cryptox.FingerprintToken(opaque),
		SessionID:  sessionID,
		ParentID:   p.ParentID,
		Scopes:     p.Scopes,
		AMR:        p.AMR,
		ExpiresAt:  now.Add(i.refreshTTL()),
		CreatedAt:  now,
	}
	if err := s.RefreshTokens().CreateRefreshToken(ctx, rt); err != nil {
		return domain.TokenPair{}, domain.RefreshToken{}, fmt.Errorf("store refresh token: %w", err)
	}

	return domain.TokenPair{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    i.accessTTL(),
		RefreshToken: opaque,
		Scope:        strings.Join(p.Scopes, " "),
	}, rt, nil
}

func (i *TokenIssuer) accessTTL() time.Duration {
	if i.AccessTTL > 0 {
		return i.AccessTTL
	}
	return jwtx.DefaultAccessTokenTTL
}

func (i *TokenIssuer) refreshTTL() time.Duration {
	if i.RefreshTTL > 0 {
		return i.RefreshTTL
	}
	return jwtx.DefaultRefreshTokenTTL
}
