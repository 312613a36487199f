package memory

import (
	"context"
	"sync"

	"supportchat/internal/domain/participant"
)

// Directory is an in-memory participant directory.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]participant.Profile
}

func NewDirectory(profiles ...participant.Profile) *Directory {
	d := &Directory{profiles: make(map[string]participant.Profile)}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *Directory) Register(p participant.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *Directory) Lookup(ctx context.Context, id string) (participant.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return participant.Profile{}, participant.ErrUnknown
	}
	return p, nil
}

var _ participant.Directory = (*Directory)(nil)
