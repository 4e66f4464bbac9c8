package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-engine/internal/model"
)

type countingRepo struct {
	calls int
}

func (r *countingRepo) GetPreferences(_ context.Context, userID string) (*model.Preferences, error) {
	r.calls++
	return &model.Preferences{UserID: userID, SocketEnabled: true}, nil
}

func TestPreferenceCache(t *testing.T) {
	next := &countingRepo{}
	repo := NewPreferenceRepository(next, time.Minute)
	ctx := context.Background()

	p, err := repo.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	p.SocketEnabled = false

	p, err = repo.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.SocketEnabled, "callers must not mutate the cached value")
	assert.Equal(t, 1, next.calls)

	repo.Invalidate("u1")
	_, err = repo.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}
