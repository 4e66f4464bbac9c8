package memory

import (
	"context"
	"sync"

	"github.com/jwalitptl/notify-engine/internal/model"
	"github.com/jwalitptl/notify-engine/internal/repository"
)

// PreferenceRepository is a static preference table, used by tests and by
// deployments that configure preferences in the config file.
type PreferenceRepository struct {
	mu    sync.RWMutex
	prefs map[string]*model.Preferences
}

var _ repository.PreferenceRepository = (*PreferenceRepository)(nil)

func NewPreferenceRepository(prefs ...*model.Preferences) *PreferenceRepository {
	r := &PreferenceRepository{prefs: make(map[string]*model.Preferences)}
	for _, p := range prefs {
		r.Put(p)
	}
	return r
}

func (r *PreferenceRepository) Put(p *model.Preferences) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.prefs[p.UserID] = &cp
}

func (r *PreferenceRepository) GetPreferences(_ context.Context, userID string) (*model.Preferences, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.prefs[userID]
	if !ok {
		return model.DefaultPreferences(userID), nil
	}
	cp := *p
	return &cp, nil
}
