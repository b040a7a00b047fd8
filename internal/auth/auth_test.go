package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/errs"
)

func TestRules_LevelsAreOrdered(t *testing.T) {
	r := auth.NewRules("acc", "owner")
	require.NoError(t, r.Update(auth.LevelTrade, []auth.Credential{"bot"}, nil))
	require.NoError(t, r.Update(auth.LevelWithdraw, []auth.Credential{"treasurer"}, nil))

	tests := []struct {
		cred  auth.Credential
		level auth.Level
		want  bool
	}{
		{"owner", auth.LevelRecovery, true},
		{"owner", auth.LevelWithdraw, true},
		{"owner", auth.LevelTrade, true},
		{"treasurer", auth.LevelRecovery, false},
		{"treasurer", auth.LevelWithdraw, true},
		{"treasurer", auth.LevelTrade, true},
		{"bot", auth.LevelWithdraw, false},
		{"bot", auth.LevelTrade, true},
		{"stranger", auth.LevelTrade, false},
		{"", auth.LevelTrade, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Authorized(tt.cred, tt.level), "%s at %s", tt.cred, tt.level)
	}
}

func TestRules_UpdateBumpsVersion(t *testing.T) {
	r := auth.NewRules("acc", "owner")
	require.NoError(t, r.Update(auth.LevelTrade, []auth.Credential{"a", "b"}, nil))
	require.NoError(t, r.Update(auth.LevelTrade, nil, []auth.Credential{"a"}))

	assert.Equal(t, uint64(3), r.Version)
	assert.Equal(t, []auth.Credential{"b"}, r.Sets[auth.LevelTrade])

	err := r.Update(auth.Level(9), nil, nil)
	require.ErrorIs(t, err, auth.ErrInvalidLevel)
}

func TestRules_RequireIsAuthorizationKind(t *testing.T) {
	r := auth.NewRules("acc", "owner")
	err := r.Require("bot", auth.LevelTrade)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
}

func TestParseLevel(t *testing.T) {
	for _, l := range []auth.Level{auth.LevelRecovery, auth.LevelWithdraw, auth.LevelTrade} {
		got, err := auth.ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := auth.ParseLevel("admin")
	require.Error(t, err)
}
