package service

import (
	"context"
	"testing"

	"github.com/aussiebroadwan/authd/internal/auth/domain"
	"github.com/aussiebroadwan/authd/pkg/slogx"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newRun() *grantRun {
	return &grantRun{
		grantType: domain.GrantTypePassword,
		state:     domain.GrantReceived,
		log:       slogx.Discard(),
		span:      trace.SpanFromContext(context.Background()),
	}
}

func TestGrantTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.GrantState
		wantErr bool
	}{
		{
			name: "happy path",
			path: []domain.GrantState{domain.GrantAuthenticating, domain.GrantAuthenticated, domain.GrantIssuing, domain.GrantCompleted},
		},
		{
			name: "rejected while authenticating",
			path: []domain.GrantState{domain.GrantAuthenticating, domain.GrantRejected},
		},
		{
			name: "rejected on receipt",
			path: []domain.GrantState{domain.GrantRejected},
		},
		{
			name:    "issuing before authentication",
			path:    []domain.GrantState{domain.GrantIssuing},
			wantErr: true,
		},
		{
			name:    "skipping authentication",
			path:    []domain.GrantState{domain.GrantAuthenticating, domain.GrantIssuing},
			wantErr: true,
		},
		{
			name:    "leaving a terminal state",
			path:    []domain.GrantState{domain.GrantRejected, domain.GrantAuthenticating},
			wantErr: true,
		},
		{
			name:    "completing twice",
			path:    []domain.GrantState{domain.GrantAuthenticating, domain.GrantAuthenticated, domain.GrantIssuing, domain.GrantCompleted, domain.GrantCompleted},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun()
			var err error
			for _, next := range tt.path {
				if err = run.to(next); err != nil {
					break
				}
			}
			if tt.wantErr {
				require.ErrorIs(t, err, ErrIllegalTransition)
				return
			}
			require.NoError(t, err)
			require.True(t, run.state.IsTerminal())
		})
	}
}

func TestRejectFromTerminalStateKeepsCause(t *testing.T) {
	run := newRun()
	require.ErrorIs(t, run.reject(ErrInvalidCredentials), ErrInvalidCredentials)

	err := run.reject(ErrTokenRevoked)
	require.ErrorIs(t, err, ErrTokenRevoked)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestGrantOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{&LockedOutError{}, "locked_out"},
		{ErrOTPRequired, "invalid_credentials"},
		{ErrTokenRevoked, "revoked"},
		{ErrTokenMalformed, "invalid_token"},
		{context.Canceled, "cancelled"},
		{ErrStoreUnavailable, "unavailable"},
		{ErrIllegalTransition, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, grantOutcome(tt.err))
		})
	}
}
