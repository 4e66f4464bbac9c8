package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
)

// PreferenceRepository caches lookups from another repository for a short
// time. Preference changes become visible after at most ttl.
type PreferenceRepository struct {
	next  repository.PreferenceRepository
	cache *gocache.Cache
}

var _ repository.PreferenceRepository = (*PreferenceRepository)(nil)

func NewPreferenceRepository(next repository.PreferenceRepository, ttl time.Duration) *PreferenceRepository {
	return &PreferenceRepository{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (r *PreferenceRepository) GetPreferences(ctx context.Context, userID string) (*model.Preferences, error) {
	if v, ok := r.cache.Get(userID); ok {
		cp := *v.(*model.Preferences)
		return &cp, nil
	}

	prefs, err := r.next.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	cp := *prefs
	r.cache.SetDefault(userID, &cp)
	return prefs, nil
}

// Invalidate drops the cached entry for userID.
func (r *PreferenceRepository) Invalidate(userID string) {
	r.cache.Delete(userID)
}
