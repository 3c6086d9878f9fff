package inmemory

import (
	"context"
	"sync"

	"github.com/keep-on-walking/mpv-pi-player/internal/repository/settings"
)

// repo keeps settings for the lifetime of the process only. It is used when
// no redis is configured.
type repo struct {
	mu    sync.RWMutex
	saved bool
	s     settings.Settings
}

func NewRepo() *repo {
	return &repo{s: settings.Settings{Volume: -1}}
}

func (r *repo) Get(_ context.Context) (settings.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.saved {
		return settings.Settings{}, settings.ErrNotFound
	}

	return r.s, nil
}

func (r *repo) Update(_ context.Context, params *settings.UpdateParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if params.Mode != nil {
		r.s.Mode = *params.Mode
		r.saved = true
	}
	if params.MasterAddress != nil {
		r.s.MasterAddress = *params.MasterAddress
		r.saved = true
	}
	if params.Volume != nil {
		r.s.Volume = *params.Volume
		r.saved = true
	}

	return nil
}
