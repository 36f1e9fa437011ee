package jwtx_test

import (
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authd/pkg/cryptox"
	"github.com/aussiebroadwan/authd/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newKey(t *testing.T, alg string) *jwtx.Key {
	t.Helper()
	k, _, err := jwtx.GenerateKey(alg, 2048, time.Now())
	require.NoError(t, err)
	return k
}

func newRing(t *testing.T, clk *fakeClock, alg string) *jwtx.KeyRing {
	t.Helper()
	ring, err := jwtx.NewKeyRing(jwtx.KeyRingOptions{Issuer: "authd", Now: clk.Now}, newKey(t, alg))
	require.NoError(t, err)
	return ring
}

func claimsAt(clk *fakeClock, subject string) jwtx.Claims {
	return jwtx.NewAccessClaims(jwtx.AccessParams{
		Subject:  subject,
		Username: "admin",
		Roles:    []string{"admin"},
		Scopes:   []string{"openid", "profile"},
		AMR:      []string{jwtx.AMRPassword},
		Issuer:   "authd",
		TTL:      time.Hour,
		Now:      clk.Now(),
	})
}

func TestKeyRing_SignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []string{cryptox.AlgEdDSA, cryptox.AlgES256, cryptox.AlgRS256} {
		t.Run(alg, func(t *testing.T) {
			clk := newClock()
			ring := newRing(t, clk, alg)

			tok, kid, err := ring.Sign(claimsAt(clk, "user-1"))
			require.NoError(t, err)
			require.Equal(t, ring.Snapshot().Active.KID, kid)

			got, err := ring.Verify(tok)
			require.NoError(t, err)
			require.Equal(t, "user-1", got.Subject)
			require.Equal(t, []string{"openid", "profile"}, got.Scopes())
			require.True(t, got.HasRole("admin"))
			require.NotEmpty(t, got.ID)
		})
	}
}

func TestKeyRing_RotationOverlap(t *testing.T) {
	clk := newClock()
	ring := newRing(t, clk, cryptox.AlgEdDSA)
	oldTok, oldKID, err := ring.Sign(claimsAt(clk, "user-1"))
	require.NoError(t, err)

	snap := ring.Rotate(newKey(t, cryptox.AlgEdDSA), 10*time.Minute)
	require.EqualValues(t, 2, snap.Version)
	require.NotEqual(t, oldKID, snap.Active.KID)
	require.Len(t, snap.Keys(), 2)

	newTok, _, err := ring.Sign(claimsAt(clk, "user-1"))
	require.NoError(t, err)

	// Both keys are trusted inside the overlap window.
	_, err = ring.Verify(oldTok)
	require.NoError(t, err)
	_, err = ring.Verify(newTok)
	require.NoError(t, err)

	// Past the overlap the retired key is no longer trusted.
	clk.Advance(11 * time.Minute)
	_, err = ring.Verify(oldTok)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)
	_, err = ring.Verify(newTok)
	require.NoError(t, err)
}

func TestKeyRing_RejectsUntrustedKey(t *testing.T) {
	clk := newClock()
	ring := newRing(t, clk, cryptox.AlgEdDSA)
	stranger := newRing(t, clk, cryptox.AlgEdDSA)

	tok, _, err := stranger.Sign(claimsAt(clk, "user-1"))
	require.NoError(t, err)

	_, err = ring.Verify(tok)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)
}

func TestKeyRing_VerifyFailures(t *testing.T) {
	clk := newClock()
	ring := newRing(t, clk, cryptox.AlgEdDSA)
	tok, _, err := ring.Sign(claimsAt(clk, "user-1"))
	require.NoError(t, err)

	t.Run("malformed", func(t *testing.T) {
		_, err := ring.Verify("not.a.jwt")
		require.ErrorIs(t, err, jwtx.ErrMalformed)
	})

	t.Run("tampered signature", func(t *testing.T) {
		_, err := ring.Verify(tok[:len(tok)-4] + "AAAA")
		require.ErrorIs(t, err, jwtx.ErrInvalidSig)
	})

	t.Run("expired", func(t *testing.T) {
		clk := newClock()
		ring := newRing(t, clk, cryptox.AlgES256)
		tok, _, err := ring.Sign(claimsAt(clk, "user-1"))
		require.NoError(t, err)
		clk.Advance(2 * time.Hour)
		_, err = ring.Verify(tok)
		require.ErrorIs(t, err, jwtx.ErrExpired)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := claimsAt(clk, "user-1")
		c.Issuer = "someone-else"
		tok, _, err := ring.Sign(c)
		require.NoError(t, err)
		_, err = ring.Verify(tok)
		require.ErrorIs(t, err, jwtx.ErrIssuer)
	})

	t.Run("hmac rejected", func(t *testing.T) {
		h := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsAt(clk, "user-1"))
		h.Header["kid"] = ring.Snapshot().Active.KID
		s, err := h.SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = ring.Verify(s)
		require.Error(t, err)
	})
}

func TestKeyRing_Retire(t *testing.T) {
	clk := newClock()
	ring := newRing(t, clk, cryptox.AlgEdDSA)
	first := ring.Snapshot().Active.KID

	_, err := ring.Retire(first, 0)
	require.ErrorIs(t, err, jwtx.ErrActiveKey)

	ring.Rotate(newKey(t, cryptox.AlgEdDSA), time.Hour)
	snap, err := ring.Retire(first, 0)
	require.NoError(t, err)
	_, ok := snap.Trusted(first, clk.Now())
	require.False(t, ok)

	_, err = ring.Retire("missing", 0)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)
}

func TestKeyRing_InstallKeepsRemovedKeysForOverlap(t *testing.T) {
	clk := newClock()
	ring := newRing(t, clk, cryptox.AlgEdDSA)
	oldTok, _, err := ring.Sign(claimsAt(clk, "user-1"))
	require.NoError(t, err)

	ring.Install(newKey(t, cryptox.AlgEdDSA), nil, 5*time.Minute)
	_, err = ring.Verify(oldTok)
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	_, err = ring.Verify(oldTok)
	require.ErrorIs(t, err, jwtx.ErrUnknownKID)
}

func TestKeyRing_ConcurrentSignAndRotate(t *testing.T) {
	clk := newClock()
	ring := newRing(t, clk, cryptox.AlgEdDSA)
	keys := make([]*jwtx.Key, 5)
	for i := range keys {
		keys[i] = newKey(t, cryptox.AlgEdDSA)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, k := range keys {
			ring.Rotate(k, time.Hour)
		}
	}()
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				tok, _, err := ring.Sign(claimsAt(clk, "user-1"))
				assert.NoError(t, err)
				_, err = ring.Verify(tok)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 6, ring.Snapshot().Version)
}
