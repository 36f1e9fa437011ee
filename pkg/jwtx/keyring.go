package jwtx

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Snapshot is an immutable view of the signing configuration. Readers load
// it once per operation and never observe a half-applied rotation.
type Snapshot struct {
	Version uint64
	Active  *Key
	trusted map[string]*Key
}

// Trusted returns the key for kid when it may still verify tokens at now.
func (s *Snapshot) Trusted(kid string, now time.Time) (*Key, bool) {
	k, ok := s.trusted[kid]
	if !ok || !k.trustedAt(now) {
		return nil, false
	}
	return k, true
}

// Keys returns every key in the snapshot ordered by kid.
func (s *Snapshot) Keys() []*Key {
	keys := make([]*Key, 0, len(s.trusted))
	for _, k := range s.trusted {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b *Key) int {
		switch {
		case a.KID < b.KID:
			return -1
		case a.KID > b.KID:
			return 1
		}
		return 0
	})
	return keys
}

type KeyRingOptions struct {
	Issuer   string
	Audience []string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
	// Now is used for trust windows and claim validation. Defaults to time.Now.
	Now func() time.Time
}

// KeyRing signs with the active key of the current snapshot and verifies
// against its trusted set. Writers are serialised; readers are lock free.
type KeyRing struct {
	opts    KeyRingOptions
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	parser  *jwt.Parser
}

func NewKeyRing(opts KeyRingOptions, active *Key, trusted ...*Key) (*KeyRing, error) {
	if active == nil {
		return nil, ErrNoActiveKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"EdDSA", "ES256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
		jwt.WithTimeFunc(opts.Now),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}

	r := &KeyRing{opts: opts, parser: jwt.NewParser(parserOpts...)}
	set := make(map[string]*Key, len(trusted)+1)
	for _, k := range trusted {
		set[k.KID] = k
	}
	set[active.KID] = active
	r.current.Store(&Snapshot{Version: 1, Active: active, trusted: set})
	return r, nil
}

func (r *KeyRing) Snapshot() *Snapshot { return r.current.Load() }

func (r *KeyRing) IsReady() bool {
	s := r.current.Load()
	return s != nil && s.Active != nil
}

// Rotate makes next the active key. The previous active key stays trusted
// for overlap so tokens it signed keep verifying until they expire.
func (r *KeyRing) Rotate(next *Key, overlap time.Duration) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	old := r.current.Load()
	set := r.pruned(old, now)
	if prev, ok := set[old.Active.KID]; ok && prev.KID != next.KID {
		set[prev.KID] = prev.withNotAfter(capNotAfter(prev, now.Add(overlap)))
	}
	set[next.KID] = next
	return r.publish(old, next, set)
}

// Install replaces the key material wholesale, as when keys are reloaded
// from disk or the database. Keys that disappear stay trusted for overlap.
func (r *KeyRing) Install(active *Key, trusted []*Key, overlap time.Duration) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	old := r.current.Load()
	set := make(map[string]*Key, len(trusted)+1)
	for kid, k := range r.pruned(old, now) {
		set[kid] = k.withNotAfter(capNotAfter(k, now.Add(overlap)))
	}
	for _, k := range trusted {
		set[k.KID] = k
	}
	set[active.KID] = active
	return r.publish(old, active, set)
}

// Retire limits trust in kid to overlap from now.
func (r *KeyRing) Retire(kid string, overlap time.Duration) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if old.Active.KID == kid {
		return nil, ErrActiveKey
	}
	now := r.opts.Now()
	set := r.pruned(old, now)
	k, ok := set[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKID, kid)
	}
	set[kid] = k.withNotAfter(capNotAfter(k, now.Add(overlap)))
	return r.publish(old, old.Active, set), nil
}

func (r *KeyRing) pruned(s *Snapshot, now time.Time) map[string]*Key {
	set := make(map[string]*Key, len(s.trusted))
	for kid, k := range s.trusted {
		if k.trustedAt(now) {
			set[kid] = k
		}
	}
	return set
}

func (r *KeyRing) publish(old *Snapshot, active *Key, set map[string]*Key) *Snapshot {
	next := &Snapshot{Version: old.Version + 1, Active: active, trusted: set}
	r.current.Store(next)
	return next
}

func capNotAfter(k *Key, limit time.Time) time.Time {
	if !k.NotAfter.IsZero() && k.NotAfter.Before(limit) {
		return k.NotAfter
	}
	return limit
}

// Sign signs claims with the active key and returns the token and kid.
func (r *KeyRing) Sign(claims Claims) (string, string, error) {
	active := r.current.Load().Active
	tok, err := active.sign(claims)
	if err != nil {
		return "", "", fmt.Errorf("jwtx: sign: %w", err)
	}
	return tok, active.KID, nil
}

// Verify checks signature, kid trust, issuer, audience and time claims.
func (r *KeyRing) Verify(token string) (Claims, error) {
	snap := r.current.Load()
	now := r.opts.Now()

	var claims Claims
	_, err := r.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		k, ok := snap.Trusted(kid, now)
		if !ok {
			return nil, ErrUnknownKID
		}
		if t.Method.Alg() != k.Alg {
			return nil, ErrAlgMismatch
		}
		return k.Public(), nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}
	if len(r.opts.Audience) > 0 && !slices.ContainsFunc(r.opts.Audience, func(a string) bool {
		return slices.Contains(claims.Audience, a)
	}) {
		return Claims{}, ErrAudience
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKID):
		return ErrUnknownKID
	case errors.Is(err, ErrAlgMismatch):
		return ErrAlgMismatch
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSig
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuer
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}
