package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/internal/auth/metrics"
	"github.com/aussiebroadwan/authd/internal/auth/store"
	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/aussiebroadwan/authd/pkg/keymutex"
	"github.com/aussiebroadwan/authd/pkg/slogx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrIllegalTransition means the grant state machine was driven out of
// order. It is a programming error, never a client error.
var ErrIllegalTransition = errors.New("illegal grant state transition")

var grantTransitions = map[domain.GrantState][]domain.GrantState{
	domain.GrantReceived:       {domain.GrantAuthenticating, domain.GrantRejected},
	domain.GrantAuthenticating: {domain.GrantAuthenticated, domain.GrantRejected},
	domain.GrantAuthenticated:  {domain.GrantIssuing, domain.GrantRejected},
	domain.GrantIssuing:        {domain.GrantCompleted, domain.GrantRejected},
}

// GrantDeps are the collaborators of a GrantProcessor.
type GrantDeps struct {
	Store       store.Store
	Credentials *CredentialStore
	Passwords   *PasswordVerifier
	Issuer      *TokenIssuer
	Validator   *TokenValidator
	Tracker     *LockoutTracker
	Locks       *keymutex.KeyMutex
	Scopes      ScopePolicy
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	RetryMax    time.Duration
	Now         func() time.Time
}

// GrantProcessor runs the password and refresh_token grants.
type GrantProcessor struct {
	d GrantDeps
}

func NewGrantProcessor(d GrantDeps) *GrantProcessor {
	if d.Locks == nil {
		d.Locks = keymutex.New()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("github.com/aussiebroadwan/authd/internal/auth/service")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &GrantProcessor{d: d}
}

// grantRun is the state of one grant request.
type grantRun struct {
	grantType domain.GrantType
	state     domain.GrantState
	log       *slog.Logger
	span      trace.Span
}

func (r *grantRun) to(next domain.GrantState) error {
	for _, allowed := range grantTransitions[r.state] {
		if allowed == next {
			r.log.Debug("grant transition", slog.String("from", r.state.String()), slog.String("to", next.String()))
			r.span.AddEvent(next.String())
			r.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.state, next)
}

// reject moves to Rejected and returns cause, or the transition error when
// the machine is already terminal.
func (r *grantRun) reject(cause error) error {
	if err := r.to(domain.GrantRejected); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Process runs req to completion and returns the issued pair.
func (p *GrantProcessor) Process(ctx context.Context, req domain.GrantRequest) (domain.TokenPair, error) {
	ctx, span := p.d.Tracer.Start(ctx, "grant.process", trace.WithAttributes(
		attribute.String("grant.type", string(req.GrantType)),
	))
	defer span.End()

	run := &grantRun{
		grantType: req.GrantType,
		state:     domain.GrantReceived,
		log:       slogx.FromContext(ctx).With(slog.String("grant_type", string(req.GrantType))),
		span:      span,
	}

	var (
		pair domain.TokenPair
		err  error
	)
	switch req.GrantType {
	case domain.GrantTypePassword:
		pair, err = p.password(ctx, run, req)
	case domain.GrantTypeRefreshToken:
		pair, err = p.refresh(ctx, run, req)
	default:
		err = run.reject(fmt.Errorf("%w: %q", ErrUnsupportedGrantType, req.GrantType))
	}

	outcome := grantOutcome(err)
	p.d.Metrics.Grant(string(req.GrantType), outcome)
	span.SetAttributes(attribute.String("grant.outcome", outcome))
	if err != nil {
		if outcome == "error" || outcome == "unavailable" {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			run.log.Error("grant failed", slog.Any("error", err))
		} else {
			run.log.Warn("grant rejected", slog.String("outcome", outcome), slog.String("remote_ip", req.RemoteIP))
		}
		return domain.TokenPair{}, err
	}
	return pair, nil
}

func (p *GrantProcessor) password(ctx context.Context, run *grantRun, req domain.GrantRequest) (domain.TokenPair, error) {
	username := domain.NormalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		return domain.TokenPair{}, run.reject(fmt.Errorf("%w: username and password are required", ErrInvalidRequest))
	}
	scopes, err := p.d.Scopes.Resolve(req.Scopes)
	if err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	if err := run.to(domain.GrantAuthenticating); err != nil {
		return domain.TokenPair{}, err
	}

	// Serialise attempts per username so lockout counting sees every
	// failure in order.
	unlock, err := p.d.Locks.Lock(ctx, username)
	if err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	defer unlock()

	identity, err := p.d.Credentials.FindByUsername(ctx, username)
	if errors.Is(err, ErrIdentityNotFound) {
		if err := p.d.Passwords.VerifyDummy(ctx, req.Password); err != nil {
			return domain.TokenPair{}, run.reject(err)
		}
		return domain.TokenPair{}, run.reject(ErrInvalidCredentials)
	}
	if err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	run.log = run.log.With(slog.String("identity_id", identity.ID))

	if identity, err = p.d.Tracker.Evaluate(ctx, identity); err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	if p.d.Tracker.IsLockedOut(identity, p.d.Now()) {
		return domain.TokenPair{}, run.reject(&LockedOutError{Until: *identity.LockoutEnd})
	}

	ok, needsRehash, err := p.d.Passwords.Verify(ctx, req.Password, identity.PasswordHash)
	if err != nil && !errors.Is(err, cryptox.ErrUnknownHashFormat) {
		return domain.TokenPair{}, run.reject(err)
	}
	if err != nil {
		run.log.Error("stored password hash has an unknown format")
	}

	amr := []string{jwtx.AMRPassword}
	if ok && identity.HasTOTP() {
		if req.OTP == "" {
			return domain.TokenPair{}, run.reject(ErrOTPRequired)
		}
		ok = validateTOTP(req.OTP, *identity.TOTPSecret, p.d.Now())
		amr = append(amr, jwtx.AMROTP)
	}

	if !ok {
		locked, until, err := p.d.Tracker.RecordFailure(ctx, identity)
		if err != nil {
			return domain.TokenPair{}, run.reject(err)
		}
		if locked {
			return domain.TokenPair{}, run.reject(&LockedOutError{Until: until})
		}
		return domain.TokenPair{}, run.reject(ErrInvalidCredentials)
	}

	if identity, err = p.d.Tracker.RecordSuccess(ctx, identity); err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	if needsRehash {
		p.rehash(ctx, run.log, identity, req.Password)
	}

	roles, err := p.d.Credentials.RolesOf(ctx, identity)
	if err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	if err := run.to(domain.GrantAuthenticated); err != nil {
		return domain.TokenPair{}, err
	}
	if err := run.to(domain.GrantIssuing); err != nil {
		return domain.TokenPair{}, err
	}

	var pair domain.TokenPair
	err = store.WithRetry(ctx, p.d.RetryMax, func() (err error) {
		pair, err = p.d.Issuer.Issue(ctx, IssueParams{
			Identity: identity,
			Roles:    domain.RoleNames(roles),
			Scopes:   scopes,
			AMR:      amr,
		})
		return err
	})
	if err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	if err := run.to(domain.GrantCompleted); err != nil {
		return domain.TokenPair{}, err
	}
	run.log.Info("password grant issued", slog.String("scope", pair.Scope))
	return pair, nil
}

// rehash upgrades a legacy or outdated hash. Failure only costs another
// rehash next time, so it is logged and ignored.
func (p *GrantProcessor) rehash(ctx context.Context, l *slog.Logger, identity domain.Identity, password string) {
	hash, err := p.d.Passwords.Hash(ctx, password)
	if err == nil {
		err = store.WithRetry(ctx, p.d.RetryMax, func() error {
			return p.d.Store.Identities().UpdatePasswordHash(ctx, identity.ID, hash)
		})
	}
	if err != nil {
		l.Warn("password rehash failed", slog.Any("error", err))
		return
	}
	l.Info("password hash upgraded")
}

// refresh redeems a refresh token. Validation, the single-winner revoke and
// the new pair share one transaction: the old token is revoked if and only
// if the new pair is committed.
func (p *GrantProcessor) refresh(ctx context.Context, run *grantRun, req domain.GrantRequest) (domain.TokenPair, error) {
	if req.RefreshToken == "" {
		return domain.TokenPair{}, run.reject(fmt.Errorf("%w: refresh_token is required", ErrInvalidRequest))
	}
	if err := run.to(domain.GrantAuthenticating); err != nil {
		return domain.TokenPair{}, err
	}

	var (
		pair          domain.TokenPair
		authenticated bool
	)
	err := store.WithRetry(ctx, p.d.RetryMax, func() error {
		authenticated = false
		return p.d.Store.WithTx(ctx, func(tx store.Tx) error {
			identity, old, err := p.d.Validator.ValidateRefreshIn(ctx, tx, req.RefreshToken)
			if err != nil {
				return err
			}
			scopes, err := narrowScopes(old.Scopes, req.Scopes)
			if err != nil {
				return err
			}
			roles, err := tx.Roles().ListRolesForIdentity(ctx, identity.ID)
			if err != nil {
				return err
			}
			authenticated = true

			won, err := tx.RefreshTokens().RevokeRefreshToken(ctx, old.TokenHash, p.d.Now())
			if err != nil {
				return err
			}
			if !won {
				return ErrTokenRevoked
			}

			pair, _, err = p.d.Issuer.IssueIn(ctx, tx, IssueParams{
				Identity:  identity,
				Roles:     domain.RoleNames(roles),
				Scopes:    scopes,
				AMR:       old.AMR,
				SessionID: old.SessionID,
				ParentID:  old.ID,
			})
			return err
		})
	})

	if authenticated {
		if terr := run.to(domain.GrantAuthenticated); terr != nil {
			return domain.TokenPair{}, errors.Join(err, terr)
		}
		if terr := run.to(domain.GrantIssuing); terr != nil {
			return domain.TokenPair{}, errors.Join(err, terr)
		}
	}
	if err != nil {
		return domain.TokenPair{}, run.reject(err)
	}
	if err := run.to(domain.GrantCompleted); err != nil {
		return domain.TokenPair{}, err
	}
	p.d.Metrics.RefreshRotated()
	return pair, nil
}

// Logout revokes a refresh token. Unknown, malformed and already revoked
// tokens are not an error.
func (p *GrantProcessor) Logout(ctx context.Context, refreshToken string) error {
	if !cryptox.WellFormedToken(refreshToken, cryptox.TokenSize256) {
		return nil
	}
	hash := cryptox.FingerprintToken(refreshToken)
	var revoked bool
	err := store.WithRetry(ctx, p.d.RetryMax, func() (err error) {
		revoked, err = p.d.Store.RefreshTokens().RevokeRefreshToken(ctx, hash, p.d.Now())
		return err
	})
	if err != nil {
		return err
	}
	slogx.FromContext(ctx).Debug("logout", slog.Bool("revoked", revoked))
	return nil
}

// LogoutAll revokes every live refresh token of an identity.
func (p *GrantProcessor) LogoutAll(ctx context.Context, identityID string) (int, error) {
	var n int
	err := store.WithRetry(ctx, p.d.RetryMax, func() (err error) {
		n, err = p.d.Store.RefreshTokens().RevokeIdentityRefreshTokens(ctx, identityID, p.d.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	slogx.FromContext(ctx).Info("identity logged out everywhere",
		slog.String("identity_id", identityID), slog.Int("revoked", n))
	return n, nil
}

// grantOutcome is the metric and span label for a grant result.
func grantOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrLockedOut):
		return "locked_out"
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrOTPRequired):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrTokenMalformed):
		return "invalid_token"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrUnsupportedGrantType):
		return "unsupported"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, store.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
